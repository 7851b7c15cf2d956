// Package config decodes the process environment into the settings the
// session facade needs.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Store backends.
const (
	StoreFile   = "file"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Delivery modes for notification updates.
const (
	DeliveryStream = "stream"
	DeliveryPoll   = "poll"
)

// Env holds the decoded environment. Defaults are provided via struct tags.
type Env struct {
	// APIBase is the backend root. ENV: PROCUREMENT_API_BASE
	APIBase string `env:"PROCUREMENT_API_BASE,default=http://localhost:8001"`
	// TokenStore is one of file, memory or redis. ENV: PROCUREMENT_TOKEN_STORE
	TokenStore string `env:"PROCUREMENT_TOKEN_STORE,default=file"`
	// TokenFile overrides the per-user token file. ENV: PROCUREMENT_TOKEN_FILE
	TokenFile string `env:"PROCUREMENT_TOKEN_FILE"`
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// StorePrefix for redis keys. ENV: PROCUREMENT_STORE_PREFIX
	StorePrefix string `env:"PROCUREMENT_STORE_PREFIX,default=procurement:session:"`
	// Profile the tokens live under. ENV: PROCUREMENT_PROFILE
	Profile string `env:"PROCUREMENT_PROFILE,default=default"`
	// Delivery is stream or poll. ENV: PROCUREMENT_DELIVERY
	Delivery string `env:"PROCUREMENT_DELIVERY,default=stream"`

	RefreshTimeout   time.Duration `env:"PROCUREMENT_REFRESH_TIMEOUT,default=15s"`
	FallbackInterval time.Duration `env:"PROCUREMENT_FALLBACK_INTERVAL,default=60s"`
}

// FromEnv decodes and validates the environment.
func FromEnv() (Env, error) {
	var env Env
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Env{}, fmt.Errorf("config: decode: %w", err)
	}
	env.APIBase = NormalizeBase(env.APIBase)
	if err := env.Validate(); err != nil {
		return Env{}, err
	}
	return env, nil
}

// Validate rejects unknown enum values and non-positive durations.
func (e Env) Validate() error {
	var errs []error
	switch e.TokenStore {
	case StoreFile, StoreMemory, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("config: unknown token store %q", e.TokenStore))
	}
	switch e.Delivery {
	case DeliveryStream, DeliveryPoll:
	default:
		errs = append(errs, fmt.Errorf("config: unknown delivery mode %q", e.Delivery))
	}
	if e.RefreshTimeout <= 0 {
		errs = append(errs, errors.New("config: refresh timeout must be positive"))
	}
	if e.FallbackInterval <= 0 {
		errs = append(errs, errors.New("config: fallback interval must be positive"))
	}
	return errors.Join(errs...)
}

// NormalizeBase strips one trailing slash and appends /api unless the base
// already ends with it. An empty base falls back to the local dev server.
func NormalizeBase(base string) string {
	if base == "" {
		base = "http://localhost:8001"
	}
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/api") {
		return base
	}
	return base + "/api"
}
