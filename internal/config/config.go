package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"banto/internal/observability"
)

// Duration wraps time.Duration so YAML configs can say "5m" instead of
// nanosecond integers.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\" or integer seconds")
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// Config is the complete runtime configuration, loaded once at startup
// and threaded explicitly into each component.
type Config struct {
	Server      ServerConfig                `yaml:"server"`
	State       StateConfig                 `yaml:"state"`
	Safety      SafetyConfig                `yaml:"safety"`
	Knowledge   KnowledgeConfig             `yaml:"knowledge"`
	Tasks       TasksConfig                 `yaml:"tasks"`
	Collab      CollabConfig                `yaml:"collaborators"`
	Dedup       DedupConfig                 `yaml:"dedup"`
	DecisionLog DecisionLogConfig           `yaml:"decision_log"`
	Scheduler   SchedulerConfig             `yaml:"scheduler"`
	Logging     LoggingConfig               `yaml:"logging"`
	Metrics     MetricsConfig               `yaml:"metrics"`
	Tracing     observability.TracingConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string `yaml:"cors_origins"`
	RatePerMinute   int      `yaml:"rate_per_minute"`
	RateBurst       int      `yaml:"rate_burst"`
	AdminToken      string   `yaml:"admin_token"`
	Debug           bool     `yaml:"debug"`
}

// StateConfig configures conversation state storage and the state machine.
type StateConfig struct {
	Backend         string   `yaml:"backend"` // sqlite, memory
	DSN             string   `yaml:"dsn"`
	ConfirmationTTL Duration `yaml:"confirmation_ttl"`
	TaskPendingTTL  Duration `yaml:"task_pending_ttl"`
	ListContextTTL  Duration `yaml:"list_context_ttl"`
	CancelKeywords  []string `yaml:"cancel_keywords"`
	MaxRetries      int      `yaml:"max_retries"`
}

// SafetyConfig configures the safety gate and risk classifier.
type SafetyConfig struct {
	EmergencyStop       bool     `yaml:"emergency_stop"`
	RegistryPath        string   `yaml:"registry_path"`
	AmountThreshold     float64  `yaml:"amount_threshold"`
	RecipientsThreshold int      `yaml:"recipients_threshold"`
	BlockedTools        []string `yaml:"blocked_tools"`
}

// KnowledgeConfig configures learning storage and conflict handling.
type KnowledgeConfig struct {
	Backend             string   `yaml:"backend"` // sqlite, memory
	DSN                 string   `yaml:"dsn"`
	CacheSize           int      `yaml:"cache_size"`
	CacheTTL            Duration `yaml:"cache_ttl"`
	PendingConflictTTL  Duration `yaml:"pending_conflict_ttl"`
	DefaultOrganization string   `yaml:"default_organization"`
	RetentionDays       int      `yaml:"retention_days"`
}

// TasksConfig bounds the background task set.
type TasksConfig struct {
	Limit int `yaml:"limit"`
}

// CollabConfig budgets the collaborator calls.
type CollabConfig struct {
	UnderstandTimeout  Duration `yaml:"understand_timeout"`
	DecideTimeout      Duration `yaml:"decide_timeout"`
	ExecuteTimeout     Duration `yaml:"execute_timeout"`
	ContextTokenBudget int      `yaml:"context_token_budget"`
}

// DedupConfig configures inbound message deduplication.
type DedupConfig struct {
	Size int      `yaml:"size"`
	TTL  Duration `yaml:"ttl"`
}

// DecisionLogConfig configures the verdict audit log.
type DecisionLogConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// SchedulerConfig holds cron specs for maintenance jobs. Empty spec
// disables the job; lazy expiry keeps correctness either way.
type SchedulerConfig struct {
	Enabled            bool   `yaml:"enabled"`
	StateSweep         string `yaml:"state_sweep"`
	LearningRetention  string `yaml:"learning_retention"`
	DecisionCompaction string `yaml:"decision_compaction"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig configures Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a runnable configuration: in-process stores under the
// user home, generous collaborator budgets, scheduler on.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8721",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			CORSOrigins:     nil, // empty means allow all, matching dev defaults
			RatePerMinute:   60,
			RateBurst:       10,
		},
		State: StateConfig{
			Backend:         "sqlite",
			DSN:             "~/.banto/state.db",
			ConfirmationTTL: Duration(5 * time.Minute),
			TaskPendingTTL:  Duration(10 * time.Minute),
			ListContextTTL:  Duration(10 * time.Minute),
			CancelKeywords: []string{
				"cancel", "stop", "quit", "never mind",
				"キャンセル", "やめる", "やめて", "中止", "取消", "取り消し",
			},
			MaxRetries: 2,
		},
		Safety: SafetyConfig{
			EmergencyStop:       false,
			RegistryPath:        "",
			AmountThreshold:     100000,
			RecipientsThreshold: 10,
		},
		Knowledge: KnowledgeConfig{
			Backend:             "sqlite",
			DSN:                 "~/.banto/knowledge.db",
			CacheSize:           512,
			CacheTTL:            Duration(5 * time.Minute),
			PendingConflictTTL:  Duration(30 * time.Minute),
			DefaultOrganization: "default",
			RetentionDays:       90,
		},
		Tasks: TasksConfig{
			Limit: 16,
		},
		Collab: CollabConfig{
			UnderstandTimeout:  Duration(10 * time.Second),
			DecideTimeout:      Duration(10 * time.Second),
			ExecuteTimeout:     Duration(30 * time.Second),
			ContextTokenBudget: 2000,
		},
		Dedup: DedupConfig{
			Size: 2048,
			TTL:  Duration(10 * time.Minute),
		},
		DecisionLog: DecisionLogConfig{
			Dir:           "~/.banto/decisions",
			RetentionDays: 180,
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			StateSweep:         "*/10 * * * *",
			LearningRetention:  "0 4 * * *",
			DecisionCompaction: "30 4 * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: observability.TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "banto",
			ServiceVersion: "1.0.0",
		},
	}
}

// Load reads a YAML config file and merges it over defaults. A missing
// file is not an error; env overrides apply last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("BANTO_CONFIG")
	}
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + "/.banto/config.yaml"
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults apply
		default:
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv merges BANTO_* environment overrides into the config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("BANTO_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("BANTO_ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv("BANTO_STATE_BACKEND"); v != "" {
		c.State.Backend = v
	}
	if v := os.Getenv("BANTO_STATE_DSN"); v != "" {
		c.State.DSN = v
	}
	if v := os.Getenv("BANTO_KNOWLEDGE_BACKEND"); v != "" {
		c.Knowledge.Backend = v
	}
	if v := os.Getenv("BANTO_KNOWLEDGE_DSN"); v != "" {
		c.Knowledge.DSN = v
	}
	if v := os.Getenv("BANTO_DECISION_DIR"); v != "" {
		c.DecisionLog.Dir = v
	}
	if v := os.Getenv("BANTO_SAFETY_REGISTRY"); v != "" {
		c.Safety.RegistryPath = v
	}
	if v := os.Getenv("BANTO_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BANTO_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("BANTO_EMERGENCY_STOP"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Safety.EmergencyStop = parsed
		}
	}
	if v := os.Getenv("BANTO_TASK_LIMIT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			c.Tasks.Limit = parsed
		}
	}
	if v := os.Getenv("BANTO_RATE_PER_MINUTE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			c.Server.RatePerMinute = parsed
		}
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.State.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("state.backend must be sqlite or memory, got %q", c.State.Backend)
	}
	switch c.Knowledge.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("knowledge.backend must be sqlite or memory, got %q", c.Knowledge.Backend)
	}
	if c.State.Backend == "sqlite" && strings.TrimSpace(c.State.DSN) == "" {
		return fmt.Errorf("state.dsn is required for the sqlite backend")
	}
	if c.Knowledge.Backend == "sqlite" && strings.TrimSpace(c.Knowledge.DSN) == "" {
		return fmt.Errorf("knowledge.dsn is required for the sqlite backend")
	}
	if c.State.ConfirmationTTL <= 0 || c.State.TaskPendingTTL <= 0 || c.State.ListContextTTL <= 0 {
		return fmt.Errorf("state TTLs must be positive")
	}
	if c.State.MaxRetries < 1 {
		return fmt.Errorf("state.max_retries must be at least 1")
	}
	if len(c.State.CancelKeywords) == 0 {
		return fmt.Errorf("state.cancel_keywords must not be empty")
	}
	if c.Safety.AmountThreshold <= 0 {
		return fmt.Errorf("safety.amount_threshold must be positive")
	}
	if c.Safety.RecipientsThreshold <= 0 {
		return fmt.Errorf("safety.recipients_threshold must be positive")
	}
	if c.Tasks.Limit < 1 {
		return fmt.Errorf("tasks.limit must be at least 1")
	}
	if c.Knowledge.CacheSize < 1 {
		return fmt.Errorf("knowledge.cache_size must be at least 1")
	}
	if c.Dedup.Size < 1 {
		return fmt.Errorf("dedup.size must be at least 1")
	}
	if c.Collab.UnderstandTimeout <= 0 || c.Collab.DecideTimeout <= 0 || c.Collab.ExecuteTimeout <= 0 {
		return fmt.Errorf("collaborator timeouts must be positive")
	}
	return nil
}

// WriteDefault writes the default configuration as YAML to path,
// refusing to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	cfg := Default()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if dir := dirOf(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) expandPaths() {
	c.State.DSN = ExpandHome(c.State.DSN)
	c.Knowledge.DSN = ExpandHome(c.Knowledge.DSN)
	c.DecisionLog.Dir = ExpandHome(c.DecisionLog.Dir)
	c.Safety.RegistryPath = ExpandHome(c.Safety.RegistryPath)
}

// ExpandHome resolves a leading ~/ against the user home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}
