package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/voice"
)

const (
	backendName    = "elevenlabs"
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_flash_v2_5"
	outputFormat   = "mp3_44100_128"
	mimeType       = "audio/mpeg"
	maxClipBytes   = 16 << 20
)

// Client synthesizes clauses with the ElevenLabs streaming HTTP endpoint.
type Client struct {
	apiKey  string
	voiceID string
	model   string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// New constructs a client. Missing credentials surface as SynthesisError on
// first use so a misconfigured voice backend never blocks startup.
func New(cfg config.VoiceConfig, client *http.Client, logger *zap.Logger) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:  cfg.APIKey,
		voiceID: cfg.VoiceID,
		model:   model,
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

var _ voice.Synthesizer = (*Client)(nil)

func (c *Client) Synthesize(ctx context.Context, reqs []voice.Request) ([]models.AudioClip, error) {
	if c.apiKey == "" {
		return nil, voice.NewSynthesisError(backendName, "", "api key missing", nil)
	}
	if c.voiceID == "" {
		return nil, voice.NewSynthesisError(backendName, "", "voice id missing", nil)
	}

	clips := make([]models.AudioClip, 0, len(reqs))
	for _, req := range reqs {
		audio, err := c.synthesizeOne(ctx, req.Text)
		if err != nil {
			return nil, voice.NewSynthesisError(backendName, req.ID, "request failed", err)
		}
		if len(audio) == 0 {
			return nil, voice.NewSynthesisError(backendName, req.ID, "response carried no audio", nil)
		}
		c.logger.Debug("clause synthesized", zap.String("clip_id", req.ID), zap.Int("bytes", len(audio)))
		clips = append(clips, models.AudioClip{
			ClipID:     req.ID,
			Audio:      audio,
			MimeType:   mimeType,
			SizeBytes:  len(audio),
			SourceText: req.Text,
		})
	}
	return clips, nil
}

type speechRequest struct {
	ModelID       string        `json:"model_id"`
	Text          string        `json:"text"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

func (c *Client) synthesizeOne(ctx context.Context, text string) ([]byte, error) {
	u, err := url.Parse(c.baseURL + "/v1/text-to-speech/" + url.PathEscape(c.voiceID) + "/stream")
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	q := u.Query()
	q.Set("model_id", c.model)
	q.Set("output_format", outputFormat)
	u.RawQuery = q.Encode()

	body, err := json.Marshal(speechRequest{
		ModelID: c.model,
		Text:    text,
		VoiceSettings: voiceSettings{
			Stability:       0.4,
			SimilarityBoost: 0.7,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", mimeType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "application/json") {
		return nil, errors.New("expected audio, got json payload")
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxClipBytes))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return audio, nil
}
