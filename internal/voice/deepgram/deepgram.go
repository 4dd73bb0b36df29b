package deepgram

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"go.uber.org/zap"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/voice"
)

const (
	backendName       = "deepgram"
	defaultModel      = "aura-2-thalia-en"
	defaultSampleRate = 24000
	encoding          = "linear16"
)

// session is the part of the SDK websocket client used here.
type session interface {
	Connect() bool
	SpeakWithText(text string) error
	Flush() error
	Stop()
}

type dialFunc func(ctx context.Context, apiKey string, opts *clientinterfaces.WSSpeakOptions, cb *speakCallback) (session, error)

func dialSDK(ctx context.Context, apiKey string, opts *clientinterfaces.WSSpeakOptions, cb *speakCallback) (session, error) {
	return speak.NewWSUsingCallback(ctx, apiKey, &clientinterfaces.ClientOptions{}, opts, cb)
}

// Client synthesizes clauses over the Deepgram Speak websocket and returns
// raw 16-bit mono PCM.
type Client struct {
	apiKey     string
	model      string
	sampleRate int
	idleWindow time.Duration
	maxWait    time.Duration
	dial       dialFunc
	logger     *zap.Logger
}

// New constructs a Deepgram client.
func New(cfg config.VoiceConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{
		apiKey:     cfg.APIKey,
		model:      model,
		sampleRate: defaultSampleRate,
		idleWindow: 400 * time.Millisecond,
		maxWait:    12 * time.Second,
		dial:       dialSDK,
		logger:     logger,
	}
}

var _ voice.Synthesizer = (*Client)(nil)

// Synthesize opens one websocket for the batch and speaks each clause in
// turn. A clause is complete when the server acknowledges the flush, or when
// audio stopped arriving for the idle window.
func (c *Client) Synthesize(ctx context.Context, reqs []voice.Request) ([]models.AudioClip, error) {
	if c.apiKey == "" {
		return nil, voice.NewSynthesisError(backendName, "", "api key missing", nil)
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	cb := newSpeakCallback()
	ws, err := c.dial(ctx, c.apiKey, &clientinterfaces.WSSpeakOptions{
		Model:      c.model,
		Encoding:   encoding,
		SampleRate: c.sampleRate,
	}, cb)
	if err != nil {
		return nil, voice.NewSynthesisError(backendName, "", "create websocket client", err)
	}
	if ok := ws.Connect(); !ok {
		return nil, voice.NewSynthesisError(backendName, "", "connect failed", nil)
	}
	defer ws.Stop()

	mime := fmt.Sprintf("audio/L16;rate=%d", c.sampleRate)
	clips := make([]models.AudioClip, 0, len(reqs))
	for _, req := range reqs {
		cb.reset()
		if err := ws.SpeakWithText(req.Text); err != nil {
			return nil, voice.NewSynthesisError(backendName, req.ID, "speak text", err)
		}
		if err := ws.Flush(); err != nil {
			return nil, voice.NewSynthesisError(backendName, req.ID, "flush", err)
		}

		audio, err := c.collect(ctx, cb)
		if err != nil {
			return nil, voice.NewSynthesisError(backendName, req.ID, "receive audio", err)
		}
		if len(audio) == 0 {
			return nil, voice.NewSynthesisError(backendName, req.ID, "response carried no audio", nil)
		}

		duration := voice.PCMDurationMS(len(audio), c.sampleRate)
		clips = append(clips, models.AudioClip{
			ClipID:     req.ID,
			Audio:      audio,
			MimeType:   mime,
			DurationMS: &duration,
			SizeBytes:  len(audio),
			SourceText: req.Text,
		})
	}
	return clips, nil
}

func (c *Client) collect(ctx context.Context, cb *speakCallback) ([]byte, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(c.maxWait)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-cb.failed:
			return nil, err
		case <-cb.flushed:
			return cb.audio(), nil
		case <-ticker.C:
			if last := cb.lastAudio(); !last.IsZero() && time.Since(last) > c.idleWindow {
				c.logger.Debug("flush ack missing, audio idle")
				return cb.audio(), nil
			}
			if time.Now().After(deadline) {
				return cb.audio(), nil
			}
		}
	}
}

// speakCallback buffers the audio of the clause currently being spoken.
type speakCallback struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	last    time.Time
	flushed chan struct{}
	failed  chan error
}

func newSpeakCallback() *speakCallback {
	return &speakCallback{
		flushed: make(chan struct{}, 1),
		failed:  make(chan error, 1),
	}
}

func (s *speakCallback) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.last = time.Time{}
	select {
	case <-s.flushed:
	default:
	}
}

func (s *speakCallback) audio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out
}

func (s *speakCallback) lastAudio() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }

func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error {
	select {
	case s.flushed <- struct{}{}:
	default:
	}
	return nil
}

func (s *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	err := fmt.Errorf("deepgram error event")
	if er != nil {
		err = fmt.Errorf("deepgram error event: %+v", *er)
	}
	select {
	case s.failed <- err:
	default:
	}
	return nil
}

func (s *speakCallback) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(data)
	s.last = time.Now()
	return nil
}
