package orchestrator

import (
	"chatrelay/internal/models"
)

// EventType names a stream event on the wire.
type EventType string

const (
	EventTextDelta  EventType = "text_delta"
	EventCodeStart  EventType = "code_start"
	EventCodeDelta  EventType = "code_delta"
	EventCodeEnd    EventType = "code_end"
	EventVoiceChunk EventType = "voice_chunk"
	EventVoiceEnd   EventType = "voice_end"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one element of a completion stream. Delta is set for the delta
// kinds. Content and Metadata are set on done and error, which are terminal.
type Event struct {
	Type     EventType
	Delta    *models.StreamDelta
	Content  string
	Metadata *models.AssistantMetadata
	Error    error
}

func deltaEvent(d models.StreamDelta) Event {
	return Event{Type: EventType(d.Kind), Delta: &d}
}

// Result is the outcome of a one-shot completion.
type Result struct {
	Content  string
	Blocks   []models.StreamDelta
	Metadata models.AssistantMetadata
}
