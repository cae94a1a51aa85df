package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the runtime configuration, read from the environment.
type Config struct {
	// Storage
	DatabaseURL    string `json:"database_url,omitempty"`
	BoltPath       string `json:"bolt_path,omitempty"`
	LedgerCapacity int    `json:"ledger_capacity"`

	// Policy store
	PolicyRepo     string        `json:"policy_repo,omitempty"`
	PolicyPath     string        `json:"policy_path"`
	GitAuthorName  string        `json:"git_author_name"`
	GitAuthorEmail string        `json:"git_author_email"`
	RetrySteps     int           `json:"retry_steps"`
	RetryInitial   time.Duration `json:"retry_initial"`
	CommitTimeout  time.Duration `json:"commit_timeout"`

	// Evidence
	FeedURL     string        `json:"feed_url,omitempty"`
	FeedTimeout time.Duration `json:"feed_timeout"`
	ReplayPath  string        `json:"replay_path,omitempty"`
	Offline     bool          `json:"offline"`

	// Verification
	AtomicsURL      string        `json:"atomics_url"`
	Simulate        bool          `json:"simulate"`
	VerifyNamespace string        `json:"verify_namespace"`
	VerifyImage     string        `json:"verify_image"`
	VerifyTTL       time.Duration `json:"verify_ttl"`
	Platform        string        `json:"platform"`

	// Cluster
	Kubeconfig string `json:"kubeconfig,omitempty"`

	// Triggers
	APIAddress   string `json:"api_address"`
	CronSchedule string `json:"cron_schedule"`
	ReapSchedule string `json:"reap_schedule"`
	NATSURL      string `json:"nats_url,omitempty"`
	NATSSubject  string `json:"nats_subject"`

	Verbosity int `json:"verbosity"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		BoltPath:       getEnv("TIOPS_BOLT_PATH", ""),
		LedgerCapacity: getEnvInt("TIOPS_LEDGER_CAPACITY", 1024),

		PolicyRepo:     getEnv("TIOPS_POLICY_REPO", ""),
		PolicyPath:     getEnv("TIOPS_POLICY_PATH", "manifests/security/deny-list.yaml"),
		GitAuthorName:  getEnv("TIOPS_GIT_AUTHOR_NAME", "tiops"),
		GitAuthorEmail: getEnv("TIOPS_GIT_AUTHOR_EMAIL", "tiops@localhost"),
		RetrySteps:     getEnvInt("TIOPS_RETRY_STEPS", 5),
		RetryInitial:   getEnvDuration("TIOPS_RETRY_INITIAL", 50*time.Millisecond),
		CommitTimeout:  getEnvDuration("TIOPS_COMMIT_TIMEOUT", 10*time.Second),

		FeedURL:     getEnv("TIOPS_FEED_URL", ""),
		FeedTimeout: getEnvDuration("TIOPS_FEED_TIMEOUT", 10*time.Second),
		ReplayPath:  getEnv("TIOPS_REPLAY_PATH", ""),
		Offline:     getEnvBool("TIOPS_OFFLINE", false),

		AtomicsURL:      getEnv("TIOPS_ATOMICS_URL", "https://raw.githubusercontent.com/redcanaryco/atomic-red-team/master/atomics"),
		Simulate:        getEnvBool("TIOPS_SIMULATE", false),
		VerifyNamespace: getEnv("TIOPS_VERIFY_NAMESPACE", "default"),
		VerifyImage:     getEnv("TIOPS_VERIFY_IMAGE", "ubuntu:latest"),
		VerifyTTL:       getEnvDuration("TIOPS_VERIFY_TTL", 5*time.Minute),
		Platform:        getEnv("TIOPS_PLATFORM", "linux"),

		Kubeconfig: getEnv("KUBECONFIG", ""),

		APIAddress:   getEnv("API_ADDRESS", ":8080"),
		CronSchedule: getEnv("TIOPS_CRON_SCHEDULE", "@every 1h"),
		ReapSchedule: getEnv("TIOPS_REAP_SCHEDULE", "@every 5m"),
		NATSURL:      getEnv("NATS_URL", ""),
		NATSSubject:  getEnv("TIOPS_NATS_SUBJECT", "tiops.trigger"),

		Verbosity: getEnvInt("TIOPS_VERBOSITY", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.PolicyPath == "" {
		return fmt.Errorf("policy_path cannot be empty")
	}
	if c.RetrySteps <= 0 {
		return fmt.Errorf("retry_steps must be positive")
	}
	if c.RetryInitial <= 0 {
		return fmt.Errorf("retry_initial must be positive")
	}
	if c.VerifyTTL < time.Second {
		return fmt.Errorf("verify_ttl must be at least one second")
	}
	if c.VerifyNamespace == "" {
		return fmt.Errorf("verify_namespace cannot be empty")
	}
	if c.LedgerCapacity <= 0 {
		return fmt.Errorf("ledger_capacity must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
