package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration for the voice backend.
type Config struct {
	AssemblyAI  AssemblyAIConfig  `yaml:"assemblyai"`
	Deepgram    DeepgramConfig    `yaml:"deepgram"`
	Audio       AudioConfig       `yaml:"audio"`
	Dictation   DictationConfig   `yaml:"dictation"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Commands    []CommandConfig   `yaml:"commands"`
	Rules       RulesConfig       `yaml:"rules"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`

	// Path of the YAML file that was loaded, if any.
	Source string `yaml:"-"`
}

type AssemblyAIConfig struct {
	APIKey       string `yaml:"-"`
	APIBaseURL   string `yaml:"api_base_url"`
	LanguageCode string `yaml:"language_code"`
}

type DeepgramConfig struct {
	APIKey      string `yaml:"-"`
	APIBaseURL  string `yaml:"api_base_url"`
	Model       string `yaml:"model"`
	SmartFormat bool   `yaml:"smart_format"`
}

type AudioConfig struct {
	RecorderCommand string `yaml:"recorder_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkSize       int    `yaml:"chunk_size"`
	SaveDir         string `yaml:"save_dir"`
}

type DictationConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
}

type RecognitionConfig struct {
	Backend  string `yaml:"backend"`
	Language string `yaml:"language"`
}

// CommandConfig binds a spoken trigger phrase to an action.
type CommandConfig struct {
	Phrase string `yaml:"phrase"`
	Action string `yaml:"action"`
	Target string `yaml:"target"`
}

type RulesConfig struct {
	Path           string `yaml:"path"`
	IterationLimit int    `yaml:"iteration_limit"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

const (
	BackendWebview  = "webview"
	BackendDeepgram = "deepgram"

	ActionNavigate       = "navigate"
	ActionEmit           = "emit"
	ActionDictationStart = "dictation.start"
	ActionDictationStop  = "dictation.stop"
	ActionListenerStop   = "listener.stop"
)

// Default returns the built-in configuration rooted at home.
func Default(home string) Config {
	dataDir := filepath.Join(home, ".local", "share", "astrovoice")
	return Config{
		AssemblyAI: AssemblyAIConfig{
			APIBaseURL:   "https://api.assemblyai.com/v2",
			LanguageCode: "es",
		},
		Deepgram: DeepgramConfig{
			APIBaseURL:  "https://api.deepgram.com/v1",
			Model:       "nova-2",
			SmartFormat: true,
		},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			ChunkSize:       4096,
		},
		Dictation: DictationConfig{
			PollInterval: 2 * time.Second,
			PollTimeout:  5 * time.Minute,
		},
		Recognition: RecognitionConfig{
			Backend:  BackendWebview,
			Language: "es-ES",
		},
		Commands: DefaultCommands(),
		Rules: RulesConfig{
			Path:           filepath.Join(home, ".config", "astrovoice", "substitutions.rules"),
			IterationLimit: 30,
		},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "astrovoice.db"),
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			ServiceName:  "astrovoice",
			OTLPInsecure: true,
		},
	}
}

// DefaultCommands is the stock Spanish voice command table.
func DefaultCommands() []CommandConfig {
	return []CommandConfig{
		{Phrase: "léelo", Action: ActionEmit, Target: "news.read"},
		{Phrase: "detén lectura", Action: ActionEmit, Target: "news.stop_reading"},
		{Phrase: "ir a planetas", Action: ActionNavigate, Target: "/planets"},
		{Phrase: "ir a asteroides", Action: ActionNavigate, Target: "/asteroids"},
		{Phrase: "ir a noticias", Action: ActionNavigate, Target: "/Noticias"},
		{Phrase: "ir al inicio", Action: ActionNavigate, Target: "/"},
		{Phrase: "buscar", Action: ActionDictationStart},
		{Phrase: "deja de escuchar", Action: ActionListenerStop},
	}
}

// Load resolves configuration from defaults, an optional YAML file and environment variables.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	cfg := Default(home)

	path := strings.TrimSpace(os.Getenv("ASTROVOICE_CONFIG"))
	required := path != ""
	if path == "" {
		path = filepath.Join(home, ".config", "astrovoice", "config.yaml")
	}
	if err := loadFile(&cfg, path, required); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)
	normalize(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	cfg.Source = path
	return nil
}

func applyEnv(cfg *Config) {
	cfg.AssemblyAI.APIKey = firstNonEmpty(os.Getenv("ASSEMBLYAI_API_KEY"), os.Getenv("NEXT_PUBLIC_ASSEMBLY_API"))
	cfg.AssemblyAI.APIBaseURL = envOrDefault("ASSEMBLYAI_API_BASE", cfg.AssemblyAI.APIBaseURL)
	cfg.AssemblyAI.LanguageCode = envOrDefault("ASSEMBLYAI_LANGUAGE", cfg.AssemblyAI.LanguageCode)

	cfg.Deepgram.APIKey = strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY"))
	cfg.Deepgram.APIBaseURL = envOrDefault("DEEPGRAM_API_BASE", cfg.Deepgram.APIBaseURL)
	cfg.Deepgram.Model = envOrDefault("DEEPGRAM_MODEL", cfg.Deepgram.Model)
	cfg.Deepgram.SmartFormat = envOrDefaultBool("DEEPGRAM_SMART_FORMAT", cfg.Deepgram.SmartFormat)

	cfg.Audio.RecorderCommand = envOrDefault("ASTROVOICE_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = envOrDefault("ASTROVOICE_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = envOrDefault("ASTROVOICE_AUDIO_INPUT_DEVICE", cfg.Audio.InputDevice)
	cfg.Audio.SampleRate = envOrDefaultInt("ASTROVOICE_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("ASTROVOICE_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.ChunkSize = envOrDefaultInt("ASTROVOICE_AUDIO_CHUNK_SIZE", cfg.Audio.ChunkSize)
	cfg.Audio.SaveDir = envOrDefault("ASTROVOICE_SAVE_AUDIO_DIR", cfg.Audio.SaveDir)

	cfg.Dictation.PollInterval = envOrDefaultMillis("ASTROVOICE_POLL_INTERVAL_MS", cfg.Dictation.PollInterval)
	cfg.Dictation.PollTimeout = envOrDefaultMillis("ASTROVOICE_POLL_TIMEOUT_MS", cfg.Dictation.PollTimeout)

	cfg.Recognition.Backend = envOrDefault("ASTROVOICE_RECOGNITION_BACKEND", cfg.Recognition.Backend)
	cfg.Recognition.Language = envOrDefault("ASTROVOICE_RECOGNITION_LANGUAGE", cfg.Recognition.Language)

	cfg.Rules.Path = envOrDefault("ASTROVOICE_RULES_FILE", cfg.Rules.Path)
	cfg.Rules.IterationLimit = envOrDefaultInt("ASTROVOICE_RULE_ITERATION_LIMIT", cfg.Rules.IterationLimit)

	cfg.Storage.Path = envOrDefault("ASTROVOICE_DB_PATH", cfg.Storage.Path)
	cfg.Logging.Level = envOrDefault("LOG_LEVEL", cfg.Logging.Level)

	cfg.Telemetry.TraceStdout = envOrDefaultBool("ASTROVOICE_TRACE_STDOUT", cfg.Telemetry.TraceStdout)
	cfg.Telemetry.OTLPEndpoint = envOrDefault("ASTROVOICE_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.OTLPInsecure = envOrDefaultBool("ASTROVOICE_OTLP_INSECURE", cfg.Telemetry.OTLPInsecure)
	cfg.Telemetry.PrometheusBind = envOrDefault("ASTROVOICE_PROMETHEUS_BIND", cfg.Telemetry.PrometheusBind)
}

func normalize(cfg *Config) {
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.ChunkSize < 256 {
		cfg.Audio.ChunkSize = 4096
	}
	if cfg.Dictation.PollInterval <= 0 {
		cfg.Dictation.PollInterval = 2 * time.Second
	}
	if cfg.Dictation.PollTimeout < 0 {
		cfg.Dictation.PollTimeout = 0
	}
	if cfg.Rules.IterationLimit <= 0 {
		cfg.Rules.IterationLimit = 30
	}
	cfg.Recognition.Backend = strings.ToLower(strings.TrimSpace(cfg.Recognition.Backend))
	if cfg.Recognition.Backend == "" {
		cfg.Recognition.Backend = BackendWebview
	}
	if len(cfg.Commands) == 0 {
		cfg.Commands = DefaultCommands()
	}
}

func validate(cfg Config) error {
	switch cfg.Recognition.Backend {
	case BackendWebview, BackendDeepgram:
	default:
		return fmt.Errorf("recognition.backend must be one of %s|%s", BackendWebview, BackendDeepgram)
	}
	if strings.TrimSpace(cfg.AssemblyAI.LanguageCode) == "" {
		return errors.New("assemblyai.language_code must not be empty")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Commands))
	for i, command := range cfg.Commands {
		phrase := strings.ToLower(strings.TrimSpace(command.Phrase))
		if phrase == "" {
			return fmt.Errorf("commands[%d].phrase must not be empty", i)
		}
		if _, dup := seen[phrase]; dup {
			return fmt.Errorf("commands[%d]: duplicate phrase %q", i, command.Phrase)
		}
		seen[phrase] = struct{}{}
		switch command.Action {
		case ActionNavigate, ActionEmit:
			if strings.TrimSpace(command.Target) == "" {
				return fmt.Errorf("commands[%d].target must be set for action %s", i, command.Action)
			}
		case ActionDictationStart, ActionDictationStop, ActionListenerStop:
		default:
			return fmt.Errorf("commands[%d]: unsupported action %q", i, command.Action)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envOrDefaultMillis(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}
