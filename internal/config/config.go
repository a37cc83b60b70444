package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Store        StoreConfig
	Postgres     PostgresConfig
	SQLite       SQLiteConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Tracker      TrackerConfig
	AI           AIConfig
	Approval     ApprovalConfig
	Dedup        DedupConfig
	Worker       WorkerConfig
	Notification NotificationConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	PublicURL             string
}

// StoreConfig selects the draft store backend.
type StoreConfig struct {
	Driver string // memory, sqlite or postgres
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// SQLiteConfig holds the local database file location.
type SQLiteConfig struct {
	Path string
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines decision token parameters.
type AuthConfig struct {
	DecisionSecret          string
	DecisionTokenTTLMinutes int
}

// TrackerConfig holds issue tracker credentials and defaults.
type TrackerConfig struct {
	BaseURL         string
	Email           string
	APIToken        string
	PAT             string
	ProjectKey      string
	IssueType       string
	DefaultPriority string
	APIVersion      string
	Labels          []string
	RatePerSecond   float64
	MaxRetries      int
	InitialBackoff  time.Duration
	TimeoutSeconds  int
}

// Configured reports whether enough is set to file issues.
func (t TrackerConfig) Configured() bool {
	if strings.TrimSpace(t.BaseURL) == "" || strings.TrimSpace(t.ProjectKey) == "" {
		return false
	}
	if strings.TrimSpace(t.PAT) != "" {
		return true
	}
	return strings.TrimSpace(t.Email) != "" && strings.TrimSpace(t.APIToken) != ""
}

// AIConfig toggles the optional AI analysis provider.
type AIConfig struct {
	Enabled             bool
	AnthropicAPIKey     string
	Model               string
	TimeoutSeconds      int
	DuplicateConfidence float64
	RecentWindow        int
}

// Available reports whether AI analysis can be used.
func (a AIConfig) Available() bool {
	return a.Enabled && strings.TrimSpace(a.AnthropicAPIKey) != ""
}

// ApprovalConfig is the approval gate policy.
type ApprovalConfig struct {
	AutoCreate        bool
	RequireApproval   bool
	SeverityOverrides map[string]string // severity -> "auto" or "review"
}

// DedupConfig controls fingerprint retention.
type DedupConfig struct {
	KnownSetDriver string // auto, redis, store or memory
	RetentionDays  int
}

// Retention returns how long a fingerprint stays known.
func (d DedupConfig) Retention() time.Duration {
	if d.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(d.RetentionDays) * 24 * time.Hour
}

// WorkerConfig bounds pipeline concurrency and schedules sweeps.
type WorkerConfig struct {
	PoolSize  int
	SweepCron string
	PruneCron string
}

// NotificationConfig holds notification endpoints.
type NotificationConfig struct {
	SlackBotToken  string
	SlackChannelID string
	WebhookURL     string
}

// policyFile mirrors the optional YAML policy document.
type policyFile struct {
	Approval struct {
		AutoCreate        *bool             `yaml:"auto_create"`
		RequireApproval   *bool             `yaml:"require_approval"`
		SeverityOverrides map[string]string `yaml:"severity_overrides"`
	} `yaml:"approval"`
	Tracker struct {
		IssueType       string   `yaml:"issue_type"`
		DefaultPriority string   `yaml:"default_priority"`
		Labels          []string `yaml:"labels"`
	} `yaml:"tracker"`
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "failure-triage-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			PublicURL:             getEnv("APP_PUBLIC_URL", ""),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		SQLite: SQLiteConfig{
			Path: getEnv("SQLITE_PATH", "triage.db"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			DecisionSecret:          getEnv("AUTH_DECISION_SECRET", "dev-secret"),
			DecisionTokenTTLMinutes: getEnvAsInt("AUTH_DECISION_TOKEN_TTL_MINUTES", 7*24*60),
		},
		Tracker: TrackerConfig{
			BaseURL:         os.Getenv("JIRA_BASE_URL"),
			Email:           os.Getenv("JIRA_EMAIL"),
			APIToken:        os.Getenv("JIRA_API_TOKEN"),
			PAT:             os.Getenv("JIRA_PAT"),
			ProjectKey:      os.Getenv("JIRA_PROJECT_KEY"),
			IssueType:       getEnv("JIRA_ISSUE_TYPE", "Bug"),
			DefaultPriority: getEnv("JIRA_DEFAULT_PRIORITY", "Medium"),
			APIVersion:      getEnv("JIRA_API_VERSION", "2"),
			Labels:          splitList(getEnv("JIRA_LABELS", "test-automation,auto-generated")),
			RatePerSecond:   getEnvAsFloat("JIRA_RATE_PER_SECOND", 2),
			MaxRetries:      getEnvAsInt("JIRA_MAX_RETRIES", 3),
			InitialBackoff:  time.Duration(getEnvAsInt("JIRA_INITIAL_BACKOFF_MS", 500)) * time.Millisecond,
			TimeoutSeconds:  getEnvAsInt("JIRA_TIMEOUT_SECONDS", 30),
		},
		AI: AIConfig{
			Enabled:             getEnvAsBool("AI_ENABLED", false),
			AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
			Model:               getEnv("AI_MODEL", ""),
			TimeoutSeconds:      getEnvAsInt("AI_TIMEOUT_SECONDS", 20),
			DuplicateConfidence: getEnvAsFloat("AI_DUPLICATE_CONFIDENCE", 0.85),
			RecentWindow:        getEnvAsInt("AI_RECENT_WINDOW", 25),
		},
		Approval: ApprovalConfig{
			AutoCreate:        getEnvAsBool("APPROVAL_AUTO_CREATE", true),
			RequireApproval:   getEnvAsBool("APPROVAL_REQUIRED", false),
			SeverityOverrides: map[string]string{},
		},
		Dedup: DedupConfig{
			KnownSetDriver: strings.ToLower(getEnv("DEDUP_KNOWN_SET", "auto")),
			RetentionDays:  getEnvAsInt("DEDUP_RETENTION_DAYS", 30),
		},
		Worker: WorkerConfig{
			PoolSize:  getEnvAsInt("WORKER_POOL_SIZE", 8),
			SweepCron: getEnv("WORKER_SWEEP_CRON", "*/5 * * * *"),
			PruneCron: getEnv("WORKER_PRUNE_CRON", "17 3 * * *"),
		},
		Notification: NotificationConfig{
			SlackBotToken:  os.Getenv("SLACK_BOT_TOKEN"),
			SlackChannelID: os.Getenv("SLACK_CHANNEL_ID"),
			WebhookURL:     getEnv("NOTIFY_WEBHOOK_URL", ""),
		},
	}

	if path := os.Getenv("POLICY_FILE"); path != "" {
		if err := cfg.applyPolicyFile(path); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("APPROVAL_AUTO_CREATE"); v != "" {
		cfg.Approval.AutoCreate = getEnvAsBool("APPROVAL_AUTO_CREATE", cfg.Approval.AutoCreate)
	}
	if v := os.Getenv("APPROVAL_REQUIRED"); v != "" {
		cfg.Approval.RequireApproval = getEnvAsBool("APPROVAL_REQUIRED", cfg.Approval.RequireApproval)
	}
	for _, pair := range splitList(os.Getenv("APPROVAL_SEVERITY_OVERRIDES")) {
		sev, mode, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid APPROVAL_SEVERITY_OVERRIDES entry %q", pair)
		}
		cfg.Approval.SeverityOverrides[strings.ToLower(strings.TrimSpace(sev))] = strings.ToLower(strings.TrimSpace(mode))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if pf.Approval.AutoCreate != nil {
		c.Approval.AutoCreate = *pf.Approval.AutoCreate
	}
	if pf.Approval.RequireApproval != nil {
		c.Approval.RequireApproval = *pf.Approval.RequireApproval
	}
	for sev, mode := range pf.Approval.SeverityOverrides {
		c.Approval.SeverityOverrides[strings.ToLower(sev)] = strings.ToLower(mode)
	}
	if pf.Tracker.IssueType != "" {
		c.Tracker.IssueType = pf.Tracker.IssueType
	}
	if pf.Tracker.DefaultPriority != "" {
		c.Tracker.DefaultPriority = pf.Tracker.DefaultPriority
	}
	if len(pf.Tracker.Labels) > 0 {
		c.Tracker.Labels = pf.Tracker.Labels
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Dedup.KnownSetDriver {
	case "auto", "redis", "store", "memory":
	default:
		return fmt.Errorf("invalid DEDUP_KNOWN_SET %q", c.Dedup.KnownSetDriver)
	}
	for sev, mode := range c.Approval.SeverityOverrides {
		if mode != "auto" && mode != "review" {
			return fmt.Errorf("severity override for %s must be auto or review, got %q", sev, mode)
		}
	}
	if c.AI.DuplicateConfidence < 0 || c.AI.DuplicateConfidence > 1 {
		return fmt.Errorf("AI_DUPLICATE_CONFIDENCE must be between 0 and 1 (got %.2f)", c.AI.DuplicateConfidence)
	}
	if c.Tracker.MaxRetries < 0 || c.Tracker.MaxRetries > 10 {
		return fmt.Errorf("JIRA_MAX_RETRIES must be between 0 and 10 (got %d)", c.Tracker.MaxRetries)
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
