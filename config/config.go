package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the operations engine
type Config struct {
	General      GeneralConfig          `mapstructure:"general"`
	Server       ServerConfig           `mapstructure:"server"`
	Storage      StorageConfig          `mapstructure:"storage"`
	Telemetry    TelemetryConfig        `mapstructure:"telemetry"`
	LLM          LLMConfig              `mapstructure:"llm"`
	Worker       WorkerConfig           `mapstructure:"worker"`
	Heartbeat    HeartbeatConfig        `mapstructure:"heartbeat"`
	Initiatives  InitiativesConfig      `mapstructure:"initiatives"`
	Agents       []AgentConfig          `mapstructure:"agents"`
	Conversation ConversationConfig     `mapstructure:"conversation"`
	Policies     map[string]interface{} `mapstructure:"policies"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	Timezone string `mapstructure:"timezone"` // day boundaries for cap gates, quotas and the conversation schedule
}

// Location resolves Timezone, defaulting to the process local zone.
func (g GeneralConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(g.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("general.timezone: %w", err)
	}
	return loc, nil
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string, preferring URL when set.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings. An empty host disables the
// event stream fan-out and the distributed heartbeat lock.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Stream   string        `mapstructure:"stream"`
	MaxLen   int64         `mapstructure:"max_len"`
}

// Enabled reports whether a Redis host is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

func (r RedisConfig) Validate() error {
	if r.MaxLen < 0 {
		return fmt.Errorf("storage.redis.max_len cannot be negative")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// LLMConfig selects the text generation provider
type LLMConfig struct {
	Type       string            `mapstructure:"type"` // openai, openai_compatible
	BaseURL    string            `mapstructure:"base_url"`
	APIKey     string            `mapstructure:"api_key"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	MaxRetries int               `mapstructure:"max_retries"`
	Models     map[string]string `mapstructure:"models"` // tier -> model name
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Type) == "" {
		return fmt.Errorf("llm.type required")
	}
	if len(l.Models) == 0 {
		return fmt.Errorf("llm.models must map at least one tier")
	}
	if l.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries cannot be negative")
	}
	return nil
}

// WorkerConfig tunes the step execution loops
type WorkerConfig struct {
	PollInterval time.Duration               `mapstructure:"poll_interval"`
	MaxFailures  int                         `mapstructure:"max_failures"`
	Kinds        map[string]WorkerKindConfig `mapstructure:"kinds"`
}

// WorkerKindConfig drives the prompt handler for one step kind.
type WorkerKindConfig struct {
	Prompt    string `mapstructure:"prompt"`
	System    string `mapstructure:"system"`
	Tier      string `mapstructure:"tier"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// Normalize applies defaults for unset worker values.
func (w WorkerConfig) Normalize() WorkerConfig {
	if w.PollInterval <= 0 {
		w.PollInterval = 5 * time.Second
	}
	if w.MaxFailures <= 0 {
		w.MaxFailures = 3
	}
	return w
}

func (w WorkerConfig) Validate() error {
	for kind, k := range w.Kinds {
		if strings.TrimSpace(kind) == "" {
			return fmt.Errorf("worker.kinds: empty kind")
		}
		switch k.Tier {
		case "", "light", "standard", "heavy":
		default:
			return fmt.Errorf("worker.kinds.%s.tier must be light, standard or heavy", kind)
		}
	}
	return nil
}

// HeartbeatConfig controls the periodic orchestrator
type HeartbeatConfig struct {
	Schedule    string        `mapstructure:"schedule"`
	EventWindow time.Duration `mapstructure:"event_window"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	LockKey     string        `mapstructure:"lock_key"`
}

// Normalize applies defaults for unset heartbeat values.
func (h HeartbeatConfig) Normalize() HeartbeatConfig {
	if strings.TrimSpace(h.Schedule) == "" {
		h.Schedule = "*/5 * * * *"
	}
	if h.EventWindow <= 0 {
		h.EventWindow = 5 * time.Minute
	}
	if h.StaleAfter <= 0 {
		h.StaleAfter = 30 * time.Minute
	}
	if h.LockTTL <= 0 {
		h.LockTTL = 4 * time.Minute
	}
	return h
}

func (h HeartbeatConfig) Validate() error {
	if h.LockTTL < time.Second {
		return fmt.Errorf("heartbeat.lock_ttl must be at least 1s")
	}
	return nil
}

// InitiativesConfig gates self-generated proposals
type InitiativesConfig struct {
	MinMemories   int           `mapstructure:"min_memories"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
}

// Normalize applies defaults for unset initiative values.
func (i InitiativesConfig) Normalize() InitiativesConfig {
	if i.MinMemories <= 0 {
		i.MinMemories = 5
	}
	if i.MinConfidence <= 0 {
		i.MinConfidence = 0.6
	}
	if i.Cooldown <= 0 {
		i.Cooldown = 4 * time.Hour
	}
	if i.PollInterval <= 0 {
		i.PollInterval = 30 * time.Second
	}
	if i.BatchSize <= 0 {
		i.BatchSize = 5
	}
	return i
}

func (i InitiativesConfig) Validate() error {
	if i.MinConfidence > 1 {
		return fmt.Errorf("initiatives.min_confidence must be within [0,1]")
	}
	return nil
}

// AgentConfig is one member of the roster
type AgentConfig struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Role    string `mapstructure:"role"`
	Persona string `mapstructure:"persona"`
}

// ConversationConfig overrides built-in conversation formats
type ConversationConfig struct {
	Formats map[string]FormatConfig `mapstructure:"formats"`
}

// FormatConfig overrides one format; zero fields keep the built-in value.
// extract_action_items is applied only when present, so it can switch
// extraction off as well as on.
type FormatConfig struct {
	Description        string  `mapstructure:"description"`
	MinParticipants    int     `mapstructure:"min_participants"`
	MaxParticipants    int     `mapstructure:"max_participants"`
	MinTurns           int     `mapstructure:"min_turns"`
	MaxTurns           int     `mapstructure:"max_turns"`
	Temperature        float64 `mapstructure:"temperature"`
	ExtractActionItems *bool   `mapstructure:"extract_action_items"`
	DefaultTopic       string  `mapstructure:"default_topic"`
}

// AgentIDs lists roster ids in configuration order.
func (c *Config) AgentIDs() []string {
	out := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		out = append(out, a.ID)
	}
	return out
}

func validateAgents(agents []AgentConfig) error {
	seen := make(map[string]bool, len(agents))
	for i, a := range agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("agents[%d].id required", i)
		}
		if seen[id] {
			return fmt.Errorf("agents: duplicate id %s", id)
		}
		seen[id] = true
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.timezone", "Local")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("storage.redis.stream", "hatchery:events")
	v.SetDefault("storage.redis.max_len", 10000)
	v.SetDefault("telemetry.service_name", "hatchery")
	v.SetDefault("llm.type", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("worker.poll_interval", "5s")
	v.SetDefault("worker.max_failures", 3)
	v.SetDefault("heartbeat.schedule", "*/5 * * * *")
	v.SetDefault("heartbeat.event_window", "5m")
	v.SetDefault("heartbeat.stale_after", "30m")
	v.SetDefault("heartbeat.lock_ttl", "4m")
	v.SetDefault("initiatives.min_memories", 5)
	v.SetDefault("initiatives.min_confidence", 0.6)
	v.SetDefault("initiatives.cooldown", "4h")
	v.SetDefault("initiatives.poll_interval", "30s")
}

// Load reads configuration from path, or from the usual search paths when
// path is empty, with HATCHERY_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("HATCHERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Worker = cfg.Worker.Normalize()
	cfg.Heartbeat = cfg.Heartbeat.Normalize()
	cfg.Initiatives = cfg.Initiatives.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := c.General.Location(); err != nil {
		return err
	}
	checks := []func() error{
		c.Storage.Postgres.Validate,
		c.Storage.Redis.Validate,
		c.LLM.Validate,
		c.Worker.Validate,
		c.Heartbeat.Validate,
		c.Initiatives.Validate,
		func() error { return validateAgents(c.Agents) },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig loads config from file and panics when it is missing or invalid
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
