package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"astrovoice/internal/audio"
	"astrovoice/internal/config"
	"astrovoice/internal/logging"
	"astrovoice/internal/ports"
	"astrovoice/internal/providers/assemblyai"
	"astrovoice/internal/providers/deepgram"
	"astrovoice/internal/providers/webspeech"
	"astrovoice/internal/rules"
	"astrovoice/internal/store"
	"astrovoice/internal/telemetry"
	"astrovoice/internal/usecase"
)

// Version is reported to telemetry and the UI.
const Version = "0.3.0"

// EventSinks receives dictation and listener notifications.
type EventSinks interface {
	ports.DictationEvents
	ports.ListenerEvents
}

// CommandHandler runs the action bound to a recognized voice command.
type CommandHandler interface {
	HandleCommand(command config.CommandConfig)
}

// Services is the assembled runtime graph.
type Services struct {
	Config    config.Config
	Dictation *usecase.DictationController
	Listener  *usecase.CommandListener
	Store     *store.Store
	Telemetry *telemetry.Provider

	// Speech is set for the webview backend; the frontend reports support through it.
	Speech *webspeech.Factory
}

// Build wires all backend dependencies for the current runtime.
func Build(ctx context.Context, bridge ports.EventBridge, sinks EventSinks, handler CommandHandler) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	logging.Init(cfg.Logging.Level)

	rulesEngine, err := rules.NewEngine(cfg.Rules.Path, cfg.Rules.IterationLimit)
	if err != nil {
		return Services{}, err
	}

	provider, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		return Services{}, fmt.Errorf("setup telemetry: %w", err)
	}
	if err := provider.Serve(cfg.Telemetry.PrometheusBind); err != nil {
		logging.Warnw("metrics endpoint unavailable", "bind", cfg.Telemetry.PrometheusBind, "err", err)
	}

	db, err := store.Open(ctx, cfg.Storage.Path)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return Services{}, err
	}

	audioCfg := ports.AudioConfig{
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		InputFormat: cfg.Audio.InputFormat,
		InputDevice: cfg.Audio.InputDevice,
	}
	capture := audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand)

	dictation := usecase.NewDictationController(
		capture,
		audio.NewSpooler(cfg.Audio.SaveDir, cfg.Audio.SampleRate, cfg.Audio.Channels),
		assemblyai.NewClient(assemblyai.Config{
			APIKey:     cfg.AssemblyAI.APIKey,
			APIBaseURL: cfg.AssemblyAI.APIBaseURL,
		}),
		rulesEngine,
		db,
		sinks,
		usecase.DictationConfig{
			Audio:        audioCfg,
			ChunkSize:    cfg.Audio.ChunkSize,
			LanguageCode: cfg.AssemblyAI.LanguageCode,
			PollInterval: cfg.Dictation.PollInterval,
			PollTimeout:  cfg.Dictation.PollTimeout,
		},
	)

	var (
		factory ports.RecognitionEngineFactory
		speech  *webspeech.Factory
	)
	switch cfg.Recognition.Backend {
	case config.BackendDeepgram:
		factory = deepgram.NewFactory(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			SmartFormat: cfg.Deepgram.SmartFormat,
			Audio:       audioCfg,
			ChunkSize:   cfg.Audio.ChunkSize,
		}, capture)
	default:
		speech = webspeech.NewFactory(bridge)
		factory = speech
	}

	listener := usecase.NewCommandListener(
		factory,
		sinks,
		ports.RecognitionConfig{
			Language:       cfg.Recognition.Language,
			Continuous:     true,
			InterimResults: false,
		},
		commandTable(cfg.Commands, handler),
	)

	logging.Infow("services built",
		"backend", cfg.Recognition.Backend,
		"rules", rulesEngine.Len(),
		"commands", len(cfg.Commands),
		"config", cfg.Source,
	)

	return Services{
		Config:    cfg,
		Dictation: dictation,
		Listener:  listener,
		Store:     db,
		Telemetry: provider,
		Speech:    speech,
	}, nil
}

func commandTable(commands []config.CommandConfig, handler CommandHandler) usecase.CommandTable {
	table := make(usecase.CommandTable, len(commands))
	if handler == nil {
		return table
	}
	for _, command := range commands {
		command := command
		table[command.Phrase] = func() { handler.HandleCommand(command) }
	}
	return table
}

// Close stops recognition and dictation, then releases storage and telemetry.
func (s Services) Close(ctx context.Context) error {
	var errs []error
	if s.Listener != nil {
		if err := s.Listener.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Dictation != nil {
		s.Dictation.Close()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Telemetry != nil {
		if err := s.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	_ = logging.Sync()
	return errors.Join(errs...)
}
