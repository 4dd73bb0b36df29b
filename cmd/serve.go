package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/audiostore"
	"chatrelay/internal/config"
	"chatrelay/internal/credentials"
	"chatrelay/internal/orchestrator"
	"chatrelay/internal/prompt"
	"chatrelay/internal/provider"
	providerfactory "chatrelay/internal/provider/factory"
	"chatrelay/internal/sandbox"
	"chatrelay/internal/server"
	"chatrelay/internal/store"
	"chatrelay/internal/tools"
	"chatrelay/internal/voice"
	"chatrelay/internal/voice/deepgram"
	"chatrelay/internal/voice/elevenlabs"
)

const serveUsage = `Usage:
  chatrelay serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration`

const (
	toolHTTPTimeout  = 60 * time.Second
	voiceHTTPTimeout = 60 * time.Second
)

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := store.NewDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.MigrateUp(db); err != nil {
		return err
	}

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(ctx, cfg, registry, logger.Named("provider")); err != nil {
		return err
	}

	synth, err := newSynthesizer(cfg.Voice, logger.Named("voice"))
	if err != nil {
		return err
	}

	var audio orchestrator.AudioStore
	if cfg.AudioStore.Enabled() {
		clips, err := audiostore.New(cfg.AudioStore)
		if err != nil {
			return err
		}
		audio = clips
	}

	toolClient := &http.Client{Timeout: toolHTTPTimeout}
	var search tools.Searcher
	if cfg.Tools.SearchURL != "" {
		search = tools.NewSearchClient(cfg.Tools.SearchURL, cfg.Tools.SearchAPIKey, toolClient)
	}
	var runner tools.Runner
	var sandboxes *sandbox.Manager
	if cfg.Tools.SandboxURL != "" {
		sandboxes = sandbox.NewManager(cfg.Tools.SandboxURL, cfg.Tools.SandboxAPIKey, nil, logger.Named("sandbox"))
		runner = sandboxes
		defer closeSandbox(sandboxes, logger)
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Registry:         registry,
		Prompts:          prompt.NewAssembler(cfg.Prompt.System, prompt.StaticFragments{Experts: cfg.Prompt.Experts, Projects: cfg.Prompt.Projects}),
		Policies:         store.NewPolicyStore(db),
		PolicyFailClosed: cfg.Tools.PolicyFailClosed,
		Credentials:      credentials.NewResolver(store.NewCredentialStore(db), cfg.Providers.Configured()),
		Messages:         store.NewMessageStore(db),
		Voice:            synth,
		Audio:            audio,
		Tools:            tools.NewExecutor(search, runner, logger.Named("tools")),
		Templates:        cfg.Templates,
		DeepVoyagePrompt: cfg.Prompt.DeepVoyage,
		Logger:           logger.Named("orchestrator"),
	})
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, orch, registry, logger.Named("http"))
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

func newSynthesizer(cfg config.VoiceConfig, logger *zap.Logger) (voice.Synthesizer, error) {
	switch cfg.Backend {
	case config.VoiceBackendNone:
		return nil, nil
	case config.VoiceBackendElevenLabs:
		return elevenlabs.New(cfg, &http.Client{Timeout: voiceHTTPTimeout}, logger), nil
	case config.VoiceBackendDeepgram:
		return deepgram.New(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported voice backend %q", cfg.Backend)
	}
}

func closeSandbox(m *sandbox.Manager, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		logger.Warn("close sandbox session", zap.Error(err))
	}
}
