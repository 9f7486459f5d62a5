package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	TaskClassification = "classification"
	TaskScore          = "score"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	Gateway     GatewayConfig   `yaml:"gateway"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	History     HistoryConfig   `yaml:"history"`
	Batches     []BatchConfig   `yaml:"batches"`
}

// GatewayConfig selects and tunes the inference backend.
type GatewayConfig struct {
	Backend            string            `yaml:"backend"` // gemini, openai, exec, mock
	ModelName          string            `yaml:"model_name"`
	Retries            int               `yaml:"retries"`
	BackoffSeconds     int               `yaml:"backoff_seconds"`
	UploadRetries      int               `yaml:"upload_retries"`
	UploadDelaySeconds int               `yaml:"upload_delay_seconds"`
	PaceMS             int               `yaml:"pace_ms"`
	Endpoint           string            `yaml:"endpoint"`
	APIKeyEnv          string            `yaml:"api_key_env"`
	Command            string            `yaml:"command"`
	TimeoutSeconds     int               `yaml:"timeout_seconds"`
	MockAnswers        map[string]string `yaml:"mock_answers"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	MaxRuns int    `yaml:"max_runs"`
}

// BatchConfig describes one evaluation batch: where items come from, which
// prompt they get and where results are recorded.
type BatchConfig struct {
	Name   string       `yaml:"name"`
	Task   string       `yaml:"task"`
	Ledger string       `yaml:"ledger"`
	Source SourceConfig `yaml:"source"`
	Prompt PromptConfig `yaml:"prompt"`
}

type SourceConfig struct {
	Kind       string   `yaml:"kind"` // dir, manifest
	Path       string   `yaml:"path"`
	Labels     string   `yaml:"labels"` // none, parent, prefix
	Manifest   string   `yaml:"manifest"`
	AudioRoot  string   `yaml:"audio_root"`
	AudioField string   `yaml:"audio_field"`
	LabelField string   `yaml:"label_field"`
	Extensions []string `yaml:"extensions"`
}

type PromptConfig struct {
	Kind         string `yaml:"kind"` // genre, vocal_style, file, inline
	Genre        string `yaml:"genre"`
	ExtraPrompts string `yaml:"extra_prompts"`
	File         string `yaml:"file"`
	Text         string `yaml:"text"`
}

func Default() Config {
	return Config{
		RuntimeName: "audioeval",
		Environment: "development",
		Gateway: GatewayConfig{
			Backend:            "gemini",
			ModelName:          "gemini-2.5-flash",
			Retries:            3,
			BackoffSeconds:     30,
			UploadRetries:      3,
			UploadDelaySeconds: 3,
			TimeoutSeconds:     300,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "audioeval",
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "./data/audioeval-history.db",
		},
	}
}

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
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyBatchDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Batch returns the batch with the given name.
func (c Config) Batch(name string) (BatchConfig, bool) {
	for _, b := range c.Batches {
		if b.Name == name {
			return b, true
		}
	}
	return BatchConfig{}, false
}

// LedgerPathFor derives the ledger location for a folder of clips:
// samples/suno_v2/rock -> samples/suno_v2/suno_v2_rock.jsonl.
func LedgerPathFor(dir string) string {
	clean := filepath.Clean(dir)
	parent := filepath.Dir(clean)
	return filepath.Join(parent, filepath.Base(parent)+"_"+filepath.Base(clean)+".jsonl")
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "AUDIOEVAL_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AUDIOEVAL_ENVIRONMENT")
	overrideString(&cfg.Gateway.Backend, "AUDIOEVAL_GATEWAY_BACKEND")
	overrideString(&cfg.Gateway.ModelName, "AUDIOEVAL_GATEWAY_MODEL_NAME")
	overrideInt(&cfg.Gateway.Retries, "AUDIOEVAL_GATEWAY_RETRIES")
	overrideInt(&cfg.Gateway.BackoffSeconds, "AUDIOEVAL_GATEWAY_BACKOFF_SECONDS")
	overrideInt(&cfg.Gateway.UploadRetries, "AUDIOEVAL_GATEWAY_UPLOAD_RETRIES")
	overrideInt(&cfg.Gateway.UploadDelaySeconds, "AUDIOEVAL_GATEWAY_UPLOAD_DELAY_SECONDS")
	overrideInt(&cfg.Gateway.PaceMS, "AUDIOEVAL_GATEWAY_PACE_MS")
	overrideString(&cfg.Gateway.Endpoint, "AUDIOEVAL_GATEWAY_ENDPOINT")
	overrideString(&cfg.Gateway.APIKeyEnv, "AUDIOEVAL_GATEWAY_API_KEY_ENV")
	overrideString(&cfg.Gateway.Command, "AUDIOEVAL_GATEWAY_COMMAND")
	overrideInt(&cfg.Gateway.TimeoutSeconds, "AUDIOEVAL_GATEWAY_TIMEOUT_SECONDS")
	overrideString(&cfg.Telemetry.LogLevel, "AUDIOEVAL_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AUDIOEVAL_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AUDIOEVAL_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "AUDIOEVAL_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "AUDIOEVAL_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "AUDIOEVAL_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "AUDIOEVAL_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AUDIOEVAL_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "AUDIOEVAL_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "AUDIOEVAL_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AUDIOEVAL_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AUDIOEVAL_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AUDIOEVAL_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AUDIOEVAL_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AUDIOEVAL_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "AUDIOEVAL_BUS_SUBJECT_PREFIX")
	overrideBool(&cfg.History.Enabled, "AUDIOEVAL_HISTORY_ENABLED")
	overrideString(&cfg.History.Path, "AUDIOEVAL_HISTORY_PATH")
	overrideInt(&cfg.History.MaxRuns, "AUDIOEVAL_HISTORY_MAX_RUNS")
}

func applyBatchDefaults(cfg *Config) {
	for i := range cfg.Batches {
		b := &cfg.Batches[i]
		if b.Task == "" {
			b.Task = TaskClassification
		}
		if b.Source.Kind == "" {
			b.Source.Kind = "dir"
		}
		if b.Source.Labels == "" {
			b.Source.Labels = "none"
		}
		if b.Source.AudioField == "" {
			b.Source.AudioField = "music"
		}
		if b.Source.LabelField == "" {
			b.Source.LabelField = "genre_id"
		}
		if b.Ledger == "" && b.Source.Kind == "dir" && b.Source.Path != "" {
			b.Ledger = LedgerPathFor(b.Source.Path)
		}
		if b.Prompt.Kind == "" {
			if b.Task == TaskScore {
				b.Prompt.Kind = "vocal_style"
			} else {
				b.Prompt.Kind = "genre"
			}
		}
	}
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	switch cfg.Gateway.Backend {
	case "gemini", "openai", "exec", "mock":
	default:
		return errors.New("gateway.backend must be one of gemini|openai|exec|mock")
	}
	if cfg.Gateway.Backend != "mock" && cfg.Gateway.Backend != "exec" && cfg.Gateway.ModelName == "" {
		return errors.New("gateway.model_name must not be empty")
	}
	if cfg.Gateway.Backend == "openai" && cfg.Gateway.Endpoint == "" && os.Getenv("OPENAI_BASE_URL") == "" {
		return errors.New("gateway.endpoint or OPENAI_BASE_URL must be set when backend=openai")
	}
	if cfg.Gateway.Backend == "exec" && cfg.Gateway.Command == "" {
		return errors.New("gateway.command must be set when backend=exec")
	}
	if cfg.Gateway.Retries < 1 {
		return errors.New("gateway.retries must be >= 1")
	}
	if cfg.Gateway.UploadRetries < 1 {
		return errors.New("gateway.upload_retries must be >= 1")
	}
	if cfg.Gateway.BackoffSeconds < 0 || cfg.Gateway.UploadDelaySeconds < 0 || cfg.Gateway.PaceMS < 0 {
		return errors.New("gateway delays must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	if cfg.History.Enabled && cfg.History.Path == "" {
		return errors.New("history.path must not be empty when history is enabled")
	}
	if cfg.History.MaxRuns < 0 {
		return errors.New("history.max_runs must be >= 0")
	}
	seen := make(map[string]bool, len(cfg.Batches))
	for i, b := range cfg.Batches {
		if err := validateBatch(b); err != nil {
			return fmt.Errorf("batches[%d]: %w", i, err)
		}
		if seen[b.Name] {
			return fmt.Errorf("batches[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

func validateBatch(b BatchConfig) error {
	if b.Name == "" {
		return errors.New("name must not be empty")
	}
	switch b.Task {
	case TaskClassification, TaskScore:
	default:
		return errors.New("task must be one of classification|score")
	}
	switch b.Source.Kind {
	case "dir":
		if b.Source.Path == "" {
			return errors.New("source.path must be set when source.kind=dir")
		}
		switch b.Source.Labels {
		case "none", "parent", "prefix":
		default:
			return errors.New("source.labels must be one of none|parent|prefix")
		}
	case "manifest":
		if b.Source.Manifest == "" {
			return errors.New("source.manifest must be set when source.kind=manifest")
		}
	default:
		return errors.New("source.kind must be one of dir|manifest")
	}
	if b.Ledger == "" {
		return errors.New("ledger must be set")
	}
	switch b.Prompt.Kind {
	case "genre", "vocal_style":
	case "file":
		if b.Prompt.File == "" {
			return errors.New("prompt.file must be set when prompt.kind=file")
		}
	case "inline":
		if strings.TrimSpace(b.Prompt.Text) == "" {
			return errors.New("prompt.text must be set when prompt.kind=inline")
		}
	default:
		return errors.New("prompt.kind must be one of genre|vocal_style|file|inline")
	}
	return nil
}
