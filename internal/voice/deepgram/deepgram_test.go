package deepgram

import (
	"context"
	"errors"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"

	"chatrelay/internal/config"
	"chatrelay/internal/voice"
)

// fakeSession answers every flush with audio sized after the spoken text.
type fakeSession struct {
	cb        *speakCallback
	connectOK bool
	silent    bool
	text      string
	stopped   bool
}

func (f *fakeSession) Connect() bool { return f.connectOK }

func (f *fakeSession) SpeakWithText(text string) error {
	f.text = text
	return nil
}

func (f *fakeSession) Flush() error {
	if f.silent {
		return nil
	}
	go func() {
		_ = f.cb.Binary(make([]byte, 2*len(f.text)))
		_ = f.cb.Binary(make([]byte, 2*len(f.text)))
		_ = f.cb.Flush(&msginterfaces.FlushedResponse{})
	}()
	return nil
}

func (f *fakeSession) Stop() { f.stopped = true }

func newTestClient(fake *fakeSession) *Client {
	c := New(config.VoiceConfig{APIKey: "dg-test"}, nil)
	c.idleWindow = 20 * time.Millisecond
	c.maxWait = 200 * time.Millisecond
	c.dial = func(ctx context.Context, apiKey string, opts *clientinterfaces.WSSpeakOptions, cb *speakCallback) (session, error) {
		if opts.Encoding != encoding || opts.SampleRate != defaultSampleRate {
			return nil, errors.New("unexpected options")
		}
		fake.cb = cb
		return fake, nil
	}
	return c
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	fake := &fakeSession{connectOK: true}
	c := newTestClient(fake)

	clips, err := c.Synthesize(context.Background(), []voice.Request{
		{ID: "clip-1", Text: "Hello world."},
		{ID: "clip-2", Text: "Bye."},
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(clips) != 2 {
		t.Fatalf("clips = %d", len(clips))
	}
	if clips[0].SizeBytes != 4*len("Hello world.") || clips[1].SizeBytes != 4*len("Bye.") {
		t.Errorf("sizes = %d, %d", clips[0].SizeBytes, clips[1].SizeBytes)
	}
	if clips[0].MimeType != "audio/L16;rate=24000" {
		t.Errorf("MimeType = %q", clips[0].MimeType)
	}
	want := voice.PCMDurationMS(clips[0].SizeBytes, defaultSampleRate)
	if clips[0].DurationMS == nil || *clips[0].DurationMS != want {
		t.Errorf("DurationMS = %v, want %d", clips[0].DurationMS, want)
	}
	if !fake.stopped {
		t.Error("websocket not stopped")
	}
}

func TestSynthesize_Failures(t *testing.T) {
	t.Parallel()

	t.Run("missing key", func(t *testing.T) {
		c := New(config.VoiceConfig{}, nil)
		_, err := c.Synthesize(context.Background(), []voice.Request{{ID: "a", Text: "x"}})
		var se *voice.SynthesisError
		if !errors.As(err, &se) {
			t.Fatalf("expected SynthesisError, got %v", err)
		}
	})

	t.Run("connect refused", func(t *testing.T) {
		c := newTestClient(&fakeSession{})
		_, err := c.Synthesize(context.Background(), []voice.Request{{ID: "a", Text: "x"}})
		var se *voice.SynthesisError
		if !errors.As(err, &se) {
			t.Fatalf("expected SynthesisError, got %v", err)
		}
	})

	t.Run("no audio", func(t *testing.T) {
		c := newTestClient(&fakeSession{connectOK: true, silent: true})
		_, err := c.Synthesize(context.Background(), []voice.Request{{ID: "a", Text: "x"}})
		var se *voice.SynthesisError
		if !errors.As(err, &se) || se.ClipID != "a" {
			t.Fatalf("expected SynthesisError for clip a, got %v", err)
		}
	})
}

func TestPCMDuration(t *testing.T) {
	t.Parallel()

	if got := voice.PCMDurationMS(48000, 24000); got != 1000 {
		t.Errorf("PCMDurationMS = %d, want 1000", got)
	}
	if got := voice.PCMDurationMS(10, 0); got != 0 {
		t.Errorf("zero rate = %d", got)
	}
}
