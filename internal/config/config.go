// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all configuration for the auth service.
type Config struct {
	SigningSecret    string
	Issuer           string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	LoginRateLimit   int
	LoginRateWindow  time.Duration
	LockoutThreshold int
	LockoutWindow    time.Duration
	BcryptCost       int
	BcryptParallel   int
	DatabaseDSN      string
	RedisAddr        string
	RedisPassword    string
	HTTPAddr         string
	GRPCAddr         string
	APIRatePerMinute int
	APIRateBurst     int
	AllowedOrigins   []string
	// TrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP
	// headers are believed. Empty means the socket address is always used.
	TrustedProxies []netip.Prefix
	MaxTrackedKeys int
	SweepInterval    time.Duration

	// BootstrapEmail and BootstrapPassword seed an admin account when the
	// service runs on the in-memory store.
	BootstrapEmail    string
	BootstrapPassword string
}

// Load reads an optional .env file, then the environment, and validates the result.
func Load() (Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is ignored;
// variables already present in the environment win over the file.
func LoadFile(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		SigningSecret:    e.str("CVFLOW_AUTH_SECRET", ""),
		Issuer:           e.str("CVFLOW_TOKEN_ISSUER", "cvflow"),
		AccessTTL:        time.Duration(e.num("ACCESS_TOKEN_EXPIRE_MINUTES", 15)) * time.Minute,
		RefreshTTL:       time.Duration(e.num("REFRESH_TOKEN_EXPIRE_DAYS", 7)) * 24 * time.Hour,
		LoginRateLimit:   e.num("RATE_LIMIT_PER_MINUTE", 5),
		LoginRateWindow:  time.Duration(e.num("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		LockoutThreshold: e.num("LOCKOUT_THRESHOLD", 5),
		LockoutWindow:    time.Duration(e.num("LOCKOUT_WINDOW_SECONDS", 300)) * time.Second,
		BcryptCost:       e.num("CVFLOW_BCRYPT_COST", bcrypt.DefaultCost),
		BcryptParallel:   e.num("CVFLOW_BCRYPT_PARALLELISM", 0),
		DatabaseDSN:      e.str("CVFLOW_PG_DSN", ""),
		RedisAddr:        e.str("CVFLOW_REDIS_ADDR", ""),
		RedisPassword:    e.str("CVFLOW_REDIS_PASSWORD", ""),
		HTTPAddr:         e.str("CVFLOW_HTTP_ADDR", ":8080"),
		GRPCAddr:         e.str("CVFLOW_GRPC_ADDR", ""),
		APIRatePerMinute: e.num("API_RATE_PER_MINUTE", 100),
		APIRateBurst:     e.num("API_RATE_BURST", 20),
		AllowedOrigins:   e.list("CVFLOW_ALLOWED_ORIGINS", "http://localhost:3000"),
		TrustedProxies:   e.prefixes("CVFLOW_TRUSTED_PROXIES"),
		MaxTrackedKeys:   e.num("CVFLOW_MAX_TRACKED_KEYS", 100000),
		SweepInterval:    time.Duration(e.num("CVFLOW_SWEEP_INTERVAL_SECONDS", 60)) * time.Second,

		BootstrapEmail:    e.str("CVFLOW_BOOTSTRAP_ADMIN_EMAIL", ""),
		BootstrapPassword: e.str("CVFLOW_BOOTSTRAP_ADMIN_PASSWORD", ""),
	}
	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and required values.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.SigningSecret, validation.Required, validation.Length(32, 0)),
		validation.Field(&c.Issuer, validation.Required),
		validation.Field(&c.AccessTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.RefreshTTL, validation.Required, validation.Min(time.Hour)),
		validation.Field(&c.LoginRateLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.LoginRateWindow, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.LockoutThreshold, validation.Required, validation.Min(1)),
		validation.Field(&c.LockoutWindow, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.BcryptCost, validation.Min(bcrypt.MinCost), validation.Max(bcrypt.MaxCost)),
		validation.Field(&c.HTTPAddr, validation.Required),
		validation.Field(&c.APIRatePerMinute, validation.Required, validation.Min(1)),
		validation.Field(&c.APIRateBurst, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxTrackedKeys, validation.Min(0)),
		validation.Field(&c.BootstrapPassword, validation.By(func(v interface{}) error {
			if c.BootstrapEmail != "" && v.(string) == "" {
				return errors.New("is required when CVFLOW_BOOTSTRAP_ADMIN_EMAIL is set")
			}
			return nil
		})),
	)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return def
}

func (e *env) num(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %q is not an integer", key, raw))
		return def
	}
	return n
}

func (e *env) list(key, def string) []string {
	var out []string
	for _, part := range strings.Split(e.str(key, def), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// prefixes parses a comma-separated list of CIDRs. A bare address is taken
// as a single-host prefix.
func (e *env) prefixes(key string) []netip.Prefix {
	var out []netip.Prefix
	for _, raw := range e.list(key, "") {
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				e.errs = append(e.errs, fmt.Errorf("config: %s: %q is not an address or CIDR", key, raw))
				continue
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("config: %s: %q is not an address or CIDR", key, raw))
			continue
		}
		out = append(out, p.Masked())
	}
	return out
}
