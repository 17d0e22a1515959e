// Package config loads the control plane's process-wide configuration. A
// TOML base file supplies defaults and deployment-specific values; a
// subsequent environment-variable pass overlays overrides, so a single base
// file can serve every environment with only secrets and per-env knobs set
// via env vars. Both layers are optional: the hardcoded defaults from
// Default() alone form a valid Config for local development against the
// fake orchestrator driver and in-memory engines. A zero-value Config does
// not pass Validate.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the full set of process-wide settings every Crucible binary
// reads at startup. Every field corresponds to one configuration key from
// the deployment surface; env var names match the `env` tag exactly.
type Config struct {
	RouterPrimaryPercentage float64  `toml:"router_primary_percentage" env:"ROUTER_PRIMARY_PERCENTAGE"`
	ForceLegacyQueue        bool     `toml:"force_legacy_queue" env:"FORCE_LEGACY_QUEUE"`

	ExecutorPoolIDs         []string `toml:"executor_pool_ids" env:"EXECUTOR_POOL_IDS"`
	ExecutorLeaseTTLSeconds int      `toml:"executor_lease_ttl_seconds" env:"EXECUTOR_LEASE_TTL_SECONDS"`

	QueuePriorities []string `toml:"queue_priorities" env:"QUEUE_PRIORITIES"`

	CleanupFailGraceSeconds     int `toml:"cleanup_fail_grace_seconds" env:"CLEANUP_FAIL_GRACE_SECONDS"`
	CleanupNormalTTLSeconds     int `toml:"cleanup_normal_ttl_seconds" env:"CLEANUP_NORMAL_TTL_SECONDS"`
	CleanupPreserveTTLSeconds   int `toml:"cleanup_preserve_ttl_seconds" env:"CLEANUP_PRESERVE_TTL_SECONDS"`

	EvalCodeMaxBytes    int64 `toml:"eval_code_max_bytes" env:"EVAL_CODE_MAX_BYTES"`
	OutputTruncateBytes int   `toml:"output_truncate_bytes" env:"OUTPUT_TRUNCATE_BYTES"`

	// AllowedLanguages/AllowedImages enforce §4.1's "language/image in an
	// allow-list" validation rule. Not named in the original key list;
	// added because the rule is unenforceable without a concrete list.
	AllowedLanguages []string `toml:"allowed_languages" env:"ALLOWED_LANGUAGES"`
	AllowedImages    []string `toml:"allowed_images" env:"ALLOWED_IMAGES"`

	DefaultTimeoutSeconds        int `toml:"default_timeout_seconds" env:"DEFAULT_TIMEOUT_SECONDS"`
	ProvisioningDeadlineSeconds  int `toml:"provisioning_deadline_seconds" env:"PROVISIONING_DEADLINE_SECONDS"`

	// MaxTimeoutSeconds/MaxMemoryBytes/MaxCPUShares give §4.1's "numeric
	// limits clamped" rule a concrete ceiling; not named in the original
	// key list, added because clamping requires a bound to clamp to.
	MaxTimeoutSeconds int   `toml:"max_timeout_seconds" env:"MAX_TIMEOUT_SECONDS"`
	MaxMemoryBytes    int64 `toml:"max_memory_bytes" env:"MAX_MEMORY_BYTES"`
	MaxCPUShares      int   `toml:"max_cpu_shares" env:"MAX_CPU_SHARES"`

	// EvalIdempotencyWindowSeconds bounds how long a repeated
	// Idempotency-Key maps back to the same eval_id, per §4.1's
	// idempotency contract. Not named in the original key list; added
	// because the contract is unenforceable without a concrete window.
	EvalIdempotencyWindowSeconds int `toml:"eval_idempotency_window_seconds" env:"EVAL_IDEMPOTENCY_WINDOW"`

	EventBusURL     string `toml:"event_bus_url" env:"EVENT_BUS_URL"`
	DurableStoreURL string `toml:"durable_store_url" env:"DURABLE_STORE_URL"`
	EphemeralKVURL  string `toml:"ephemeral_kv_url" env:"EPHEMERAL_KV_URL"`
	OrchestratorURL string `toml:"orchestrator_url" env:"ORCHESTRATOR_URL"`

	RetryPolicies RetryPoliciesConfig `toml:"retry_policies"`
}

// RetryPoliciesConfig allows overriding any of the three named backoff
// policies' retry ceiling; the curve shape (base/exponent/max/jitter)
// is fixed in internal/retry and not operator-tunable.
type RetryPoliciesConfig struct {
	DefaultMaxRetries      int `toml:"default" env:"RETRY_POLICIES_DEFAULT_MAX_RETRIES"`
	AggressiveMaxRetries   int `toml:"aggressive" env:"RETRY_POLICIES_AGGRESSIVE_MAX_RETRIES"`
	ConservativeMaxRetries int `toml:"conservative" env:"RETRY_POLICIES_CONSERVATIVE_MAX_RETRIES"`
}

// Default returns the hardcoded baseline every field falls back to absent
// a base file or env override.
func Default() Config {
	return Config{
		RouterPrimaryPercentage:     1.0,
		ForceLegacyQueue:            false,
		ExecutorPoolIDs:             nil,
		ExecutorLeaseTTLSeconds:     120,
		QueuePriorities:             []string{"urgent", "normal", "batch", "maintenance"},
		CleanupFailGraceSeconds:     10,
		CleanupNormalTTLSeconds:     600,
		CleanupPreserveTTLSeconds:   3600,
		EvalCodeMaxBytes:            256 * 1024,
		OutputTruncateBytes:         1024 * 1024,
		AllowedLanguages:            []string{"python"},
		AllowedImages:               []string{"crucible/python-sandbox:latest"},
		DefaultTimeoutSeconds:       30,
		ProvisioningDeadlineSeconds: 60,
		MaxTimeoutSeconds:           300,
		MaxMemoryBytes:              512 * 1024 * 1024,
		MaxCPUShares:                2048,
		EvalIdempotencyWindowSeconds: 600,
		EventBusURL:     "memory://",
		DurableStoreURL: "",
		EphemeralKVURL:  "memory://",
		OrchestratorURL: "fake://",
		RetryPolicies: RetryPoliciesConfig{
			DefaultMaxRetries:      5,
			AggressiveMaxRetries:   10,
			ConservativeMaxRetries: 3,
		},
	}
}

// Load builds a Config by starting from Default, feeding it a TOML base
// file at path (skipped entirely if path is empty or the file does not
// exist — a missing base file is not an error, since every field already
// has a default), and finally overlaying process environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("decoding config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	feeder := NewEnvFeeder()
	if err := feeder.Feed(&cfg); err != nil {
		return Config{}, fmt.Errorf("feeding env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the handful of invariants a misconfigured deployment
// would otherwise violate silently.
func (c Config) Validate() error {
	if c.RouterPrimaryPercentage < 0 || c.RouterPrimaryPercentage > 1 {
		return fmt.Errorf("%w: router_primary_percentage=%v", ErrOutOfRange, c.RouterPrimaryPercentage)
	}
	if c.ExecutorLeaseTTLSeconds <= 0 {
		return fmt.Errorf("%w: executor_lease_ttl_seconds must be positive", ErrOutOfRange)
	}
	if c.OutputTruncateBytes <= 0 {
		return fmt.Errorf("%w: output_truncate_bytes must be positive", ErrOutOfRange)
	}
	return nil
}
