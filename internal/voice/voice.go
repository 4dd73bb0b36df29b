// Package voice defines the text-to-speech contract used for spoken replies.
// Backends live in sub-packages and turn clause text into opaque audio clips.
package voice

import (
	"context"
	"fmt"

	"chatrelay/internal/models"
)

// Request is one clause to synthesize. ID becomes the clip id.
type Request struct {
	ID   string
	Text string
}

// Synthesizer turns clauses into audio clips, one clip per request and in
// request order.
type Synthesizer interface {
	Synthesize(ctx context.Context, reqs []Request) ([]models.AudioClip, error)
}

// SynthesisError reports a backend that is unreachable, misconfigured, or
// answered without audio for a requested clause.
type SynthesisError struct {
	Backend string
	ClipID  string
	Reason  string
	Err     error
}

func (e *SynthesisError) Error() string {
	msg := e.Backend + " synthesis failed"
	if e.ClipID != "" {
		msg += " for " + e.ClipID
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// NewSynthesisError builds a SynthesisError.
func NewSynthesisError(backend, clipID, reason string, err error) *SynthesisError {
	return &SynthesisError{Backend: backend, ClipID: clipID, Reason: reason, Err: err}
}

// PCMDurationMS estimates the playback length of mono 16-bit PCM.
func PCMDurationMS(size, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return size / 2 * 1000 / sampleRate
}
