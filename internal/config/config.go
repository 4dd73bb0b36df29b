package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"chatrelay/internal/models"
)

// Provider names accepted under the providers section.
const (
	ProviderOpenAI     = "openai"
	ProviderXAI        = "xai"
	ProviderAnthropic  = "anthropic"
	ProviderPerplexity = "perplexity"
)

// Voice backends accepted under voice.backend.
const (
	VoiceBackendNone       = ""
	VoiceBackendElevenLabs = "elevenlabs"
	VoiceBackendDeepgram   = "deepgram"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Voice      VoiceConfig      `yaml:"voice"`
	AudioStore AudioStoreConfig `yaml:"audio_store"`
	Tools      ToolsConfig      `yaml:"tools"`
	Templates  []TemplateConfig `yaml:"templates"`
	Prompt     PromptConfig     `yaml:"prompt"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port                   int `yaml:"port"`
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

// LoggingConfig selects the zap level and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig points at the SQLite file holding policies, keys and messages.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ProvidersConfig catalogues configured upstream providers. A nil entry is
// a provider that is not deployed.
type ProvidersConfig struct {
	OpenAI     *ProviderConfig `yaml:"openai"`
	XAI        *ProviderConfig `yaml:"xai"`
	Anthropic  *ProviderConfig `yaml:"anthropic"`
	Perplexity *ProviderConfig `yaml:"perplexity"`
}

// Configured returns the deployed providers keyed by name.
func (p ProvidersConfig) Configured() map[string]ProviderConfig {
	out := make(map[string]ProviderConfig, 4)
	for name, cfg := range map[string]*ProviderConfig{
		ProviderOpenAI:     p.OpenAI,
		ProviderXAI:        p.XAI,
		ProviderAnthropic:  p.Anthropic,
		ProviderPerplexity: p.Perplexity,
	} {
		if cfg != nil {
			out[name] = *cfg
		}
	}
	return out
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	PlatformKey       string            `yaml:"platform_key"`
	BaseURL           string            `yaml:"base_url"`
	Models            []ModelConfig     `yaml:"models"`
	Headers           Headers           `yaml:"headers"`
	Aliases           map[string]string `yaml:"aliases"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	Burst             int               `yaml:"burst"`
	TimeoutSeconds    int               `yaml:"timeout_seconds"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// ModelConfig describes a model exposed by a provider.
type ModelConfig struct {
	ID                 string   `yaml:"id"`
	NativeID           string   `yaml:"native_id"`
	Streaming          *bool    `yaml:"streaming"`
	Thinking           bool     `yaml:"thinking"`
	WebSearch          bool     `yaml:"web_search"`
	CodeInterpreter    bool     `yaml:"code_interpreter"`
	Temperature        *float64 `yaml:"temperature"`
	PlatformKeyAllowed bool     `yaml:"platform_key_allowed"`
}

// Model converts the YAML entry into the registry descriptor. Streaming
// defaults to on and the native id defaults to the exposed id.
func (m ModelConfig) Model(providerName string) models.ModelConfig {
	nativeID := m.NativeID
	if nativeID == "" {
		nativeID = m.ID
	}
	streaming := true
	if m.Streaming != nil {
		streaming = *m.Streaming
	}
	return models.ModelConfig{
		ID:       m.ID,
		Provider: providerName,
		NativeID: nativeID,
		Capabilities: models.Capabilities{
			SupportsStreaming:       streaming,
			SupportsThinking:        m.Thinking,
			SupportsWebSearch:       m.WebSearch,
			SupportsCodeInterpreter: m.CodeInterpreter,
		},
		DefaultTemperature: m.Temperature,
		PlatformKeyAllowed: m.PlatformKeyAllowed,
	}
}

// VoiceConfig selects the text-to-speech backend.
type VoiceConfig struct {
	Backend string `yaml:"backend"`
	APIKey  string `yaml:"api_key"`
	VoiceID string `yaml:"voice_id"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// AudioStoreConfig points at the Supabase bucket that keeps synthesized clips.
type AudioStoreConfig struct {
	SupabaseURL string `yaml:"supabase_url"`
	ServiceKey  string `yaml:"service_key"`
	Bucket      string `yaml:"bucket"`
}

// Enabled reports whether clips should be uploaded at all.
func (a AudioStoreConfig) Enabled() bool {
	return a.SupabaseURL != ""
}

// ToolsConfig wires the server-side tool backends.
type ToolsConfig struct {
	SearchURL        string `yaml:"search_url"`
	SearchAPIKey     string `yaml:"search_api_key"`
	SandboxURL       string `yaml:"sandbox_url"`
	SandboxAPIKey    string `yaml:"sandbox_api_key"`
	PolicyFailClosed bool   `yaml:"policy_fail_closed"`
}

// TemplateConfig is an output template a request may reference by id.
type TemplateConfig struct {
	ID               string   `yaml:"id"`
	Instructions     string   `yaml:"instructions"`
	RequiredSections []string `yaml:"required_sections"`
}

// PromptConfig holds platform-level prompt layers.
type PromptConfig struct {
	System     string            `yaml:"system"`
	DeepVoyage string            `yaml:"deep_voyage"`
	Experts    map[string]string `yaml:"experts"`
	Projects   map[string]string `yaml:"projects"`
}

// Load reads YAML configuration from disk and validates the result. A .env
// file next to the config is loaded first and ${VAR} references in the YAML
// are expanded from the environment.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	envPath := filepath.Join(filepath.Dir(absPath), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %q: %w", envPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse expands environment references in data, decodes it, applies
// defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.Path == "" {
		c.Database.Path = "chatrelay.db"
	}
	if c.AudioStore.Bucket == "" {
		c.AudioStore.Bucket = "audio-clips"
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	providers := c.Providers.Configured()
	if len(providers) == 0 {
		return errors.New("providers: at least one provider must be configured")
	}

	seen := make(map[string]string)
	for name, provider := range providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
		for _, model := range provider.Models {
			if owner, dup := seen[model.ID]; dup {
				return fmt.Errorf("provider %s: model %q is already exposed by provider %s", name, model.ID, owner)
			}
			seen[model.ID] = name
		}
	}

	switch c.Voice.Backend {
	case VoiceBackendNone:
	case VoiceBackendElevenLabs:
		if strings.TrimSpace(c.Voice.VoiceID) == "" {
			return errors.New("voice: voice_id must be provided for the elevenlabs backend")
		}
	case VoiceBackendDeepgram:
	default:
		return fmt.Errorf("voice: backend %q must be one of %q or %q", c.Voice.Backend, VoiceBackendElevenLabs, VoiceBackendDeepgram)
	}

	if c.AudioStore.Enabled() && strings.TrimSpace(c.AudioStore.ServiceKey) == "" {
		return errors.New("audio_store: service_key must be provided when supabase_url is set")
	}

	templates := make(map[string]struct{}, len(c.Templates))
	for _, tpl := range c.Templates {
		if strings.TrimSpace(tpl.ID) == "" {
			return errors.New("templates: template id must not be empty")
		}
		if _, dup := templates[tpl.ID]; dup {
			return fmt.Errorf("templates: duplicate template id %q", tpl.ID)
		}
		templates[tpl.ID] = struct{}{}
	}

	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	if strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if len(provider.Models) == 0 {
		return fmt.Errorf("provider %s: at least one model must be configured", name)
	}
	if provider.RequestsPerSecond < 0 {
		return fmt.Errorf("provider %s: requests_per_second must not be negative", name)
	}

	for _, model := range provider.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", name)
		}
		if model.PlatformKeyAllowed && strings.TrimSpace(provider.PlatformKey) == "" {
			return fmt.Errorf("provider %s: model %q allows the platform key but platform_key is empty", name, model.ID)
		}
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range provider.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("provider %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: alias %q target must not be empty", name, alias)
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
