// Package config loads the process configuration once, at startup, into an
// immutable struct. Nothing re-reads the environment after that; changing the
// circuit-breaker flags requires a restart.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port int `env:"PORT" envDefault:"8333"`

	// SigningSecret is the shared HMAC key every command must be signed
	// with. With an empty secret the verifier fails closed and every
	// command is rejected.
	SigningSecret string `env:"COMMAND_SIGNING_SECRET"`

	// OperatorKeys maps bearer credentials to roles as "key:role" pairs,
	// e.g. "abc:operator,k333:owner".
	OperatorKeys string `env:"OPERATOR_KEYS"`

	// Circuit breaker. Paused wins over DryRun.
	Paused bool `env:"CIRCUIT_PAUSED" envDefault:"false"`
	DryRun bool `env:"CIRCUIT_DRY_RUN" envDefault:"false"`

	// AdminIPs gate the privileged diagnostic endpoints. Empty list means
	// no IP restriction.
	AdminIPs []string `env:"ADMIN_IP_ALLOWLIST" envSeparator:","`

	// DiagBearerSecret signs the role-bearing JWTs accepted by the
	// read-only health/debug endpoints.
	DiagBearerSecret string `env:"DIAG_BEARER_SECRET"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	DebugEnabled bool `env:"DEBUG_ENDPOINT_ENABLED" envDefault:"false"`

	// AuditFilePath backs the audit chain when no Redis is configured.
	AuditFilePath string `env:"AUDIT_FILE_PATH" envDefault:"data/audit-command-core.log"`

	// EventRetention bounds how long event hour-buckets are kept.
	EventRetention time.Duration `env:"EVENT_RETENTION" envDefault:"720h"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Redacted is the view exposed by the debug endpoint: shape and toggles,
// never secrets.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"port":             c.Port,
		"signingSecretSet": c.SigningSecret != "",
		"operatorKeyCount": countPairs(c.OperatorKeys),
		"paused":           c.Paused,
		"dryRun":           c.DryRun,
		"adminIPs":         len(c.AdminIPs),
		"bearerSecretSet":  c.DiagBearerSecret != "",
		"redisConfigured":  c.RedisAddr != "",
		"debugEnabled":     c.DebugEnabled,
		"auditFilePath":    c.AuditFilePath,
		"eventRetention":   c.EventRetention.String(),
	}
}

func countPairs(s string) int {
	if s == "" {
		return 0
	}
	n := 1
	for _, r := range s {
		if r == ',' {
			n++
		}
	}
	return n
}
