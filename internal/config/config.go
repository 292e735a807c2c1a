package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Bind string `yaml:"bind" toml:"bind"`
	Port int    `yaml:"port" toml:"port"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces" toml:"stdout_traces"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format     string `yaml:"format" toml:"format"` // json, text
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	StoreDir       string   `yaml:"store_dir" toml:"store_dir"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxRounds     int    `yaml:"max_rounds" toml:"max_rounds"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
	JournalQueue  int    `yaml:"journal_queue" toml:"journal_queue"`
}

type GameConfig struct {
	MaxLives        int `yaml:"max_lives" toml:"max_lives"`
	CountdownFrom   int `yaml:"countdown_from" toml:"countdown_from"`
	CountdownStepMS int `yaml:"countdown_step_ms" toml:"countdown_step_ms"`
	SpawnIntervalMS int `yaml:"spawn_interval_ms" toml:"spawn_interval_ms"`
	FallDurationMS  int `yaml:"fall_duration_ms" toml:"fall_duration_ms"`
	InboxSize       int `yaml:"inbox_size" toml:"inbox_size"`
	SubmitTimeoutMS int `yaml:"submit_timeout_ms" toml:"submit_timeout_ms"`
	// HintThreshold is the minimum similarity for the closest-word hint.
	HintThreshold float64 `yaml:"hint_threshold" toml:"hint_threshold"`
}

func (g GameConfig) CountdownStep() time.Duration {
	return time.Duration(g.CountdownStepMS) * time.Millisecond
}

func (g GameConfig) SpawnInterval() time.Duration {
	return time.Duration(g.SpawnIntervalMS) * time.Millisecond
}

func (g GameConfig) FallDuration() time.Duration {
	return time.Duration(g.FallDurationMS) * time.Millisecond
}

func (g GameConfig) SubmitTimeout() time.Duration {
	return time.Duration(g.SubmitTimeoutMS) * time.Millisecond
}

type StagesConfig struct {
	Source    string `yaml:"source" toml:"source"` // file, sqlite, http
	Path      string `yaml:"path" toml:"path"`
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	Token     string `yaml:"token" toml:"token"`
	TimeoutMS int    `yaml:"timeout_ms" toml:"timeout_ms"`
	SeedFile  string `yaml:"seed_file" toml:"seed_file"`
}

type ResultsConfig struct {
	Store     bool   `yaml:"store" toml:"store"`
	Publish   bool   `yaml:"publish" toml:"publish"`
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	Token     string `yaml:"token" toml:"token"`
	TimeoutMS int    `yaml:"timeout_ms" toml:"timeout_ms"`
}

type RecognitionConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Mode    string `yaml:"mode" toml:"mode"` // exec, bus, whisper, none
	Command string `yaml:"command" toml:"command"`
	// Language is the recognizer locale; the game ships Korean word pools.
	Language            string `yaml:"language" toml:"language"`
	ModelPath           string `yaml:"model_path" toml:"model_path"`
	SessionTTLMS        int    `yaml:"session_ttl_ms" toml:"session_ttl_ms"`
	RestartBackoffMS    int    `yaml:"restart_backoff_ms" toml:"restart_backoff_ms"`
	MaxRestartBackoffMS int    `yaml:"max_restart_backoff_ms" toml:"max_restart_backoff_ms"`
	PublishInterim      bool   `yaml:"publish_interim" toml:"publish_interim"`
	BufferSize          int    `yaml:"buffer_size" toml:"buffer_size"`
	// Whisper provider audio settings.
	DeviceName     string `yaml:"device_name" toml:"device_name"`
	SampleRate     int    `yaml:"sample_rate" toml:"sample_rate"`
	FrameMS        int    `yaml:"frame_ms" toml:"frame_ms"`
	VADMode        int    `yaml:"vad_mode" toml:"vad_mode"`
	SilenceMS      int    `yaml:"silence_ms" toml:"silence_ms"`
	MaxSegmentMS   int    `yaml:"max_segment_ms" toml:"max_segment_ms"`
}

func (r RecognitionConfig) SessionTTL() time.Duration {
	return time.Duration(r.SessionTTLMS) * time.Millisecond
}

func (r RecognitionConfig) RestartBackoff() time.Duration {
	return time.Duration(r.RestartBackoffMS) * time.Millisecond
}

func (r RecognitionConfig) MaxRestartBackoff() time.Duration {
	return time.Duration(r.MaxRestartBackoffMS) * time.Millisecond
}

type CaptureConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	Mode          string `yaml:"mode" toml:"mode"` // portaudio, none
	DeviceName    string `yaml:"device_name" toml:"device_name"`
	SampleRate    int    `yaml:"sample_rate" toml:"sample_rate"`
	Channels      int    `yaml:"channels" toml:"channels"`
	FrameMS       int    `yaml:"frame_ms" toml:"frame_ms"`
	WaveformBars  int    `yaml:"waveform_bars" toml:"waveform_bars"`
	PublishFrames bool   `yaml:"publish_frames" toml:"publish_frames"`
	RecordDir     string `yaml:"record_dir" toml:"record_dir"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name" toml:"runtime_name"`
	Environment string            `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig        `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Bus         BusConfig         `yaml:"bus" toml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store" toml:"event_store"`
	Game        GameConfig        `yaml:"game" toml:"game"`
	Stages      StagesConfig      `yaml:"stages" toml:"stages"`
	Results     ResultsConfig     `yaml:"results" toml:"results"`
	Recognition RecognitionConfig `yaml:"recognition" toml:"recognition"`
	Capture     CaptureConfig     `yaml:"capture" toml:"capture"`
}

func Default() Config {
	return Config{
		RuntimeName: "wordfall",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			OTLPInsecure: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/wordfall.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxRounds:     10000,
			JournalQueue:  256,
		},
		Game: GameConfig{
			MaxLives:        5,
			CountdownFrom:   3,
			CountdownStepMS: 1000,
			SpawnIntervalMS: 2500,
			FallDurationMS:  7000,
			InboxSize:       256,
			SubmitTimeoutMS: 5000,
			HintThreshold:   0.6,
		},
		Stages: StagesConfig{
			Source:    "file",
			Path:      "./stages.yaml",
			TimeoutMS: 3000,
		},
		Results: ResultsConfig{
			Store:     true,
			Publish:   true,
			TimeoutMS: 3000,
		},
		Recognition: RecognitionConfig{
			Enabled:             true,
			Mode:                "bus",
			Language:            "ko-KR",
			SessionTTLMS:        60000,
			RestartBackoffMS:    100,
			MaxRestartBackoffMS: 5000,
			PublishInterim:      true,
			BufferSize:          32,
			SampleRate:          16000,
			FrameMS:             20,
			VADMode:             2,
			SilenceMS:           600,
			MaxSegmentMS:        4000,
		},
		Capture: CaptureConfig{
			Enabled:      true,
			Mode:         "portaudio",
			SampleRate:   16000,
			Channels:     1,
			FrameMS:      20,
			WaveformBars: 32,
		},
	}
}

// Load reads path (YAML, or TOML when the extension is .toml) over the defaults,
// applies WORDFALL_* environment overrides and validates the result. An empty
// path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "WORDFALL_RUNTIME_NAME")
	overrideString(&cfg.Environment, "WORDFALL_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "WORDFALL_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "WORDFALL_HTTP_PORT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "WORDFALL_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "WORDFALL_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "WORDFALL_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Logging.Level, "WORDFALL_LOG_LEVEL")
	overrideString(&cfg.Logging.Format, "WORDFALL_LOG_FORMAT")
	overrideString(&cfg.Logging.File, "WORDFALL_LOG_FILE")
	overrideBool(&cfg.Bus.Enabled, "WORDFALL_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "WORDFALL_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "WORDFALL_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "WORDFALL_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "WORDFALL_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "WORDFALL_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "WORDFALL_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "WORDFALL_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "WORDFALL_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "WORDFALL_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "WORDFALL_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "WORDFALL_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "WORDFALL_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRounds, "WORDFALL_EVENT_STORE_MAX_ROUNDS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "WORDFALL_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Game.MaxLives, "WORDFALL_GAME_MAX_LIVES")
	overrideInt(&cfg.Game.CountdownFrom, "WORDFALL_GAME_COUNTDOWN_FROM")
	overrideInt(&cfg.Game.CountdownStepMS, "WORDFALL_GAME_COUNTDOWN_STEP_MS")
	overrideInt(&cfg.Game.SpawnIntervalMS, "WORDFALL_GAME_SPAWN_INTERVAL_MS")
	overrideInt(&cfg.Game.FallDurationMS, "WORDFALL_GAME_FALL_DURATION_MS")
	overrideFloat(&cfg.Game.HintThreshold, "WORDFALL_GAME_HINT_THRESHOLD")
	overrideString(&cfg.Stages.Source, "WORDFALL_STAGES_SOURCE")
	overrideString(&cfg.Stages.Path, "WORDFALL_STAGES_PATH")
	overrideString(&cfg.Stages.Endpoint, "WORDFALL_STAGES_ENDPOINT")
	overrideString(&cfg.Stages.Token, "WORDFALL_STAGES_TOKEN")
	overrideString(&cfg.Stages.SeedFile, "WORDFALL_STAGES_SEED_FILE")
	overrideBool(&cfg.Results.Store, "WORDFALL_RESULTS_STORE")
	overrideBool(&cfg.Results.Publish, "WORDFALL_RESULTS_PUBLISH")
	overrideString(&cfg.Results.Endpoint, "WORDFALL_RESULTS_ENDPOINT")
	overrideString(&cfg.Results.Token, "WORDFALL_RESULTS_TOKEN")
	overrideBool(&cfg.Recognition.Enabled, "WORDFALL_RECOGNITION_ENABLED")
	overrideString(&cfg.Recognition.Mode, "WORDFALL_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Command, "WORDFALL_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.Language, "WORDFALL_RECOGNITION_LANGUAGE")
	overrideString(&cfg.Recognition.ModelPath, "WORDFALL_RECOGNITION_MODEL_PATH")
	overrideInt(&cfg.Recognition.SessionTTLMS, "WORDFALL_RECOGNITION_SESSION_TTL_MS")
	overrideBool(&cfg.Recognition.PublishInterim, "WORDFALL_RECOGNITION_PUBLISH_INTERIM")
	overrideBool(&cfg.Capture.Enabled, "WORDFALL_CAPTURE_ENABLED")
	overrideString(&cfg.Capture.Mode, "WORDFALL_CAPTURE_MODE")
	overrideString(&cfg.Capture.DeviceName, "WORDFALL_CAPTURE_DEVICE_NAME")
	overrideBool(&cfg.Capture.PublishFrames, "WORDFALL_CAPTURE_PUBLISH_FRAMES")
	overrideString(&cfg.Capture.RecordDir, "WORDFALL_CAPTURE_RECORD_DIR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		return errors.New("logging.format must be one of json|text")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionMode == "persistent" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if err := validateGame(cfg.Game); err != nil {
		return err
	}
	switch cfg.Stages.Source {
	case "file", "sqlite":
		if cfg.Stages.Path == "" {
			return fmt.Errorf("stages.path must be set when source=%s", cfg.Stages.Source)
		}
	case "http":
		if cfg.Stages.Endpoint == "" {
			return errors.New("stages.endpoint must be set when source=http")
		}
	default:
		return errors.New("stages.source must be one of file|sqlite|http")
	}
	if cfg.Results.Publish && !cfg.Bus.Enabled {
		return errors.New("results.publish requires bus.enabled")
	}
	if cfg.Recognition.Enabled {
		switch cfg.Recognition.Mode {
		case "exec":
			if cfg.Recognition.Command == "" {
				return errors.New("recognition.command must be set when mode=exec")
			}
		case "bus":
			if !cfg.Bus.Enabled {
				return errors.New("recognition.mode=bus requires bus.enabled")
			}
		case "whisper":
			if cfg.Recognition.ModelPath == "" {
				return errors.New("recognition.model_path must be set when mode=whisper")
			}
		case "none":
		default:
			return errors.New("recognition.mode must be one of exec|bus|whisper|none")
		}
		if cfg.Recognition.RestartBackoffMS <= 0 {
			return errors.New("recognition.restart_backoff_ms must be positive")
		}
		if cfg.Recognition.MaxRestartBackoffMS < cfg.Recognition.RestartBackoffMS {
			return errors.New("recognition.max_restart_backoff_ms must be >= restart_backoff_ms")
		}
	}
	if cfg.Capture.Enabled {
		switch cfg.Capture.Mode {
		case "portaudio", "none":
		default:
			return errors.New("capture.mode must be one of portaudio|none")
		}
		if cfg.Capture.SampleRate <= 0 {
			return errors.New("capture.sample_rate must be positive")
		}
		if cfg.Capture.Channels <= 0 {
			return errors.New("capture.channels must be positive")
		}
		if cfg.Capture.FrameMS <= 0 {
			return errors.New("capture.frame_ms must be positive")
		}
		if cfg.Capture.PublishFrames && !cfg.Bus.Enabled {
			return errors.New("capture.publish_frames requires bus.enabled")
		}
	}
	return nil
}

func validateGame(g GameConfig) error {
	if g.MaxLives <= 0 {
		return errors.New("game.max_lives must be positive")
	}
	if g.CountdownFrom < 0 {
		return errors.New("game.countdown_from must be >= 0")
	}
	if g.CountdownStepMS <= 0 {
		return errors.New("game.countdown_step_ms must be positive")
	}
	if g.SpawnIntervalMS <= 0 {
		return errors.New("game.spawn_interval_ms must be positive")
	}
	if g.FallDurationMS <= 0 {
		return errors.New("game.fall_duration_ms must be positive")
	}
	if g.InboxSize <= 0 {
		return errors.New("game.inbox_size must be positive")
	}
	if g.HintThreshold < 0 || g.HintThreshold > 1 {
		return errors.New("game.hint_threshold must be within [0,1]")
	}
	return nil
}
