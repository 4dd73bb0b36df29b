package translator

import (
	"chatrelay/internal/models"
	"chatrelay/internal/orchestrator"
)

// EventPayload is the wire form of one stream event, shared by the SSE and
// websocket endpoints. On code_start Text holds the language tag exactly as
// written after the fence and Lang the trimmed tag.
type EventPayload struct {
	Type     string                    `json:"type"`
	Text     string                    `json:"text,omitempty"`
	Lang     string                    `json:"lang,omitempty"`
	Clip     *ClipPayload              `json:"clip,omitempty"`
	Content  string                    `json:"content,omitempty"`
	Metadata *models.AssistantMetadata `json:"metadata,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// ClipPayload carries synthesized audio inline. Audio is base64 in JSON.
type ClipPayload struct {
	ClipID     string `json:"clipId"`
	MimeType   string `json:"mimeType"`
	DurationMS *int   `json:"durationMs,omitempty"`
	Text       string `json:"text"`
	Audio      []byte `json:"audio"`
}

// FromEvent converts an orchestrator event to its wire form.
func FromEvent(ev orchestrator.Event) EventPayload {
	p := EventPayload{
		Type:     string(ev.Type),
		Content:  ev.Content,
		Metadata: ev.Metadata,
	}
	if ev.Error != nil {
		p.Error = ev.Error.Error()
	}
	if d := ev.Delta; d != nil {
		p.Text = d.Text
		p.Lang = d.Lang
		if d.Kind == models.DeltaCodeStart {
			p.Text = d.RawLang
		}
		if d.Clip != nil {
			p.Clip = &ClipPayload{
				ClipID:     d.Clip.ClipID,
				MimeType:   d.Clip.MimeType,
				DurationMS: d.Clip.DurationMS,
				Text:       d.Clip.SourceText,
				Audio:      d.Clip.Audio,
			}
			p.Text = ""
		}
	}
	return p
}
