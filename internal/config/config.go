// Package config loads the kernel's YAML configuration file and
// applies environment variable overrides on top of it, following the
// teacher's internal/config/config.go singleton + getEnv*/applyDefaults
// shape. The field set is generalized from the teacher's agent-economy
// config to the kernel's sandbox/store/circuit-breaker/scheduler
// settings.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Supabase        SupabaseConfig        `yaml:"supabase"`
	Hardening       HardeningConfig       `yaml:"hardening"`
	CircuitBreaker  CircuitBreakerConfig  `yaml:"circuit_breaker"`
	Capability      CapabilityConfig      `yaml:"capability"`
	PubSub          PubSubConfig          `yaml:"pubsub"`
	Manifest        ManifestConfig        `yaml:"manifest"`
}

type ServerConfig struct {
	Port                string `yaml:"port"`
	Env                 string `yaml:"env"`
	ShutdownGracePeriodMs int  `yaml:"shutdown_grace_period_ms"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
	DSN        string `yaml:"dsn"`
}

// HardeningConfig gates the production-only safety requirements.
type HardeningConfig struct {
	EnforceProductionHardening bool `yaml:"enforce_production_hardening"`
	RequirePersistentStore     bool `yaml:"require_persistent_store"`
	RequireVectorStore         bool `yaml:"require_vector_store"`
	RequireManifestSignature   bool `yaml:"require_manifest_signature"`
}

type CircuitBreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	ResetTimeoutMs    int `yaml:"reset_timeout_ms"`
	SuccessThreshold  int `yaml:"success_threshold"`
	FailureWindowMs   int `yaml:"failure_window_ms"`
}

type CapabilityConfig struct {
	HMACSecret          string `yaml:"hmac_secret"`
	PreviousHMACSecret  string `yaml:"previous_hmac_secret"`
	RotationGraceSec    int    `yaml:"rotation_grace_sec"`
	MaxTokensPerAgent   int    `yaml:"max_tokens_per_agent"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

type ManifestConfig struct {
	SigningSecret string `yaml:"signing_secret"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton Config, loaded once from
// CONFIG_PATH (default config.yaml) with environment overrides applied.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and parses the YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("OCX_ENV", c.Server.Env)
	if v := getEnvInt("SHUTDOWN_GRACE_PERIOD_MS", 0); v > 0 {
		c.Server.ShutdownGracePeriodMs = v
	}

	c.Supabase.URL = getEnv("SUPABASE_URL", c.Supabase.URL)
	c.Supabase.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Supabase.ServiceKey)
	c.Supabase.DSN = getEnv("SUPABASE_DB_DSN", c.Supabase.DSN)

	c.Hardening.EnforceProductionHardening = getEnvBool("ENFORCE_PRODUCTION_HARDENING", c.Hardening.EnforceProductionHardening)
	c.Hardening.RequirePersistentStore = getEnvBool("REQUIRE_PERSISTENT_STORE", c.Hardening.RequirePersistentStore)
	c.Hardening.RequireVectorStore = getEnvBool("REQUIRE_VECTOR_STORE", c.Hardening.RequireVectorStore)
	c.Hardening.RequireManifestSignature = getEnvBool("REQUIRE_MANIFEST_SIGNATURE", c.Hardening.RequireManifestSignature)

	if v := getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 0); v > 0 {
		c.CircuitBreaker.FailureThreshold = v
	}
	if v := getEnvInt("CIRCUIT_RESET_TIMEOUT_MS", 0); v > 0 {
		c.CircuitBreaker.ResetTimeoutMs = v
	}
	if v := getEnvInt("CIRCUIT_SUCCESS_THRESHOLD", 0); v > 0 {
		c.CircuitBreaker.SuccessThreshold = v
	}
	if v := getEnvInt("CIRCUIT_FAILURE_WINDOW_MS", 0); v > 0 {
		c.CircuitBreaker.FailureWindowMs = v
	}

	c.Capability.HMACSecret = getEnv("OCX_HMAC_SECRET", c.Capability.HMACSecret)
	c.Capability.PreviousHMACSecret = getEnv("OCX_PREVIOUS_HMAC_SECRET", c.Capability.PreviousHMACSecret)
	if v := getEnvInt("OCX_MAX_TOKENS_PER_AGENT", 0); v > 0 {
		c.Capability.MaxTokensPerAgent = v
	}

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	c.Manifest.SigningSecret = getEnv("MANIFEST_SIGNING_SECRET", c.Manifest.SigningSecret)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ShutdownGracePeriodMs == 0 {
		c.Server.ShutdownGracePeriodMs = 5000
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.ResetTimeoutMs == 0 {
		c.CircuitBreaker.ResetTimeoutMs = 30000
	}
	if c.CircuitBreaker.SuccessThreshold == 0 {
		c.CircuitBreaker.SuccessThreshold = 2
	}
	if c.CircuitBreaker.FailureWindowMs == 0 {
		c.CircuitBreaker.FailureWindowMs = 60000
	}
	if c.Capability.MaxTokensPerAgent == 0 {
		c.Capability.MaxTokensPerAgent = 50
	}
	if c.Capability.RotationGraceSec == 0 {
		c.Capability.RotationGraceSec = 300
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "ocx-events"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
