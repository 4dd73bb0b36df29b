package models

// DeltaKind tags a StreamDelta.
type DeltaKind string

const (
	DeltaText       DeltaKind = "text_delta"
	DeltaCodeStart  DeltaKind = "code_start"
	DeltaCodeDelta  DeltaKind = "code_delta"
	DeltaCodeEnd    DeltaKind = "code_end"
	DeltaVoiceChunk DeltaKind = "voice_chunk"
)

// StreamDelta is one incremental piece of a streamed reply.
//
// Text is set for text and code deltas. Lang and RawLang are set for code
// starts: Lang is the trimmed language tag, RawLang the tag exactly as it
// appeared after the opening fence. Clip is set for voice chunks.
type StreamDelta struct {
	Kind    DeltaKind
	Text    string
	Lang    string
	RawLang string
	Clip    *AudioClip
}

// TextDelta builds a text delta.
func TextDelta(text string) StreamDelta {
	return StreamDelta{Kind: DeltaText, Text: text}
}

// CodeStart builds a code start delta.
func CodeStart(lang, rawLang string) StreamDelta {
	return StreamDelta{Kind: DeltaCodeStart, Lang: lang, RawLang: rawLang}
}

// CodeDelta builds a code body delta.
func CodeDelta(text string) StreamDelta {
	return StreamDelta{Kind: DeltaCodeDelta, Text: text}
}

// CodeEnd builds a code end delta.
func CodeEnd() StreamDelta {
	return StreamDelta{Kind: DeltaCodeEnd}
}

// VoiceChunk builds a voice delta for a synthesized clip.
func VoiceChunk(clip AudioClip) StreamDelta {
	return StreamDelta{Kind: DeltaVoiceChunk, Clip: &clip, Text: clip.SourceText}
}
