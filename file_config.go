package authkit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/d-kuro/authkit/pkg/constants"
	"github.com/d-kuro/authkit/pkg/csrf"
	"github.com/d-kuro/authkit/pkg/retry"
	"github.com/d-kuro/authkit/pkg/storage"
)

// FileConfig is the on-disk TOML configuration. Durations are whole seconds
// (milliseconds for retry delays).
type FileConfig struct {
	BaseURL              string                    `toml:"base_url"`
	UserAgent            string                    `toml:"user_agent"`
	TimeoutSeconds       int                       `toml:"timeout_seconds"`
	RefreshBufferSeconds int                       `toml:"refresh_buffer_seconds"`
	CSRF                 FileCSRF                  `toml:"csrf"`
	Storage              StorageSettings           `toml:"storage"`
	Log                  LogSettings               `toml:"log"`
	OAuth2               map[string]FileOAuth2     `toml:"oauth2"`
	Retry                map[string]FileRetryEntry `toml:"retry"`
}

// FileCSRF contains CSRF settings.
type FileCSRF struct {
	Enabled             *bool    `toml:"enabled"`
	FetchTimeoutSeconds int      `toml:"fetch_timeout_seconds"`
	AuthPolicy          string   `toml:"auth_policy"`    // fail or proceed
	DefaultPolicy       string   `toml:"default_policy"` // fail or proceed
	ExemptPaths         []string `toml:"exempt_paths"`
}

// StorageSettings selects and configures the session backend.
type StorageSettings struct {
	Backend         string `toml:"backend"` // file, memory, redis or sqlite
	Dir             string `toml:"dir"`
	RedisAddr       string `toml:"redis_addr"`
	RedisPrefix     string `toml:"redis_prefix"`
	RedisTTLSeconds int    `toml:"redis_ttl_seconds"`
	SQLitePath      string `toml:"sqlite_path"`
}

// LogSettings contains logging settings.
type LogSettings struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// FileOAuth2 describes one social login provider.
type FileOAuth2 struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	AuthURL      string   `toml:"auth_url"`
	TokenURL     string   `toml:"token_url"`
	Scopes       []string `toml:"scopes"`
}

// FileRetryEntry overrides parts of one category's retry policy. Zero fields
// keep the default.
type FileRetryEntry struct {
	MaxRetries        int     `toml:"max_retries"`
	InitialDelayMs    int     `toml:"initial_delay_ms"`
	MaxDelayMs        int     `toml:"max_delay_ms"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
}

// DefaultConfigPath returns ~/.config/authkit/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", constants.LibraryName, "config.toml"), nil
}

// LoadConfigFile parses the TOML file at path. A missing file yields an empty
// configuration rather than an error.
func LoadConfigFile(path string) (*FileConfig, error) {
	var fc FileConfig
	if path == "" {
		return &fc, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &fc, nil
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = file.Close() }()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &fc, nil
}

// ApplyEnv overlays the AUTHKIT_* environment variables.
func (fc *FileConfig) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(constants.EnvBaseURL)); v != "" {
		fc.BaseURL = v
	}
	if v := strings.TrimSpace(getenv(constants.EnvLogLevel)); v != "" {
		fc.Log.Level = v
	}
	if v := strings.TrimSpace(getenv(constants.EnvRedisAddr)); v != "" {
		fc.Storage.RedisAddr = v
		if fc.Storage.Backend == "" {
			fc.Storage.Backend = constants.StorageBackendRedis
		}
	}
}

// Options converts the file into ConfigOptions. The credential store is not
// included; open it with Storage.Open.
func (fc *FileConfig) Options() ([]ConfigOption, error) {
	var opts []ConfigOption

	if fc.BaseURL != "" {
		opts = append(opts, WithBaseURL(fc.BaseURL))
	}
	if fc.UserAgent != "" {
		opts = append(opts, WithUserAgent(fc.UserAgent))
	}
	if fc.TimeoutSeconds > 0 {
		opts = append(opts, WithTimeout(time.Duration(fc.TimeoutSeconds)*time.Second))
	}
	if fc.RefreshBufferSeconds > 0 {
		opts = append(opts, WithRefreshBuffer(time.Duration(fc.RefreshBufferSeconds)*time.Second))
	}

	csrfOpt, err := fc.CSRF.option()
	if err != nil {
		return nil, err
	}
	opts = append(opts, csrfOpt)

	for name, p := range fc.OAuth2 {
		opts = append(opts, WithOAuth2Provider(name, &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL},
			Scopes:       p.Scopes,
		}))
	}

	defaults := retry.DefaultPolicies()
	for name, entry := range fc.Retry {
		category := retry.Category(name)
		base, ok := defaults[category]
		if !ok {
			return nil, &ConfigError{Field: "retry." + name, Message: "unknown retry category"}
		}
		opts = append(opts, WithRetryPolicy(category, entry.merge(base)))
	}

	return opts, nil
}

func (c FileCSRF) option() (ConfigOption, error) {
	policies := csrf.DefaultPolicies()
	if c.AuthPolicy != "" {
		p, err := csrf.ParseFailurePolicy(c.AuthPolicy)
		if err != nil {
			return nil, &ConfigError{Field: "csrf.auth_policy", Message: err.Error()}
		}
		policies.Auth = p
	}
	if c.DefaultPolicy != "" {
		p, err := csrf.ParseFailurePolicy(c.DefaultPolicy)
		if err != nil {
			return nil, &ConfigError{Field: "csrf.default_policy", Message: err.Error()}
		}
		policies.Default = p
	}

	return func(cfg *Config) {
		if c.Enabled != nil {
			cfg.CSRF.Enabled = *c.Enabled
		}
		if c.FetchTimeoutSeconds > 0 {
			cfg.CSRF.FetchTimeout = time.Duration(c.FetchTimeoutSeconds) * time.Second
		}
		if len(c.ExemptPaths) > 0 {
			cfg.CSRF.ExemptPaths = c.ExemptPaths
		}
		cfg.CSRF.Policies = policies
	}, nil
}

func (e FileRetryEntry) merge(p retry.Policy) retry.Policy {
	if e.MaxRetries > 0 {
		p.MaxRetries = e.MaxRetries
	}
	if e.InitialDelayMs > 0 {
		p.InitialDelay = time.Duration(e.InitialDelayMs) * time.Millisecond
	}
	if e.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(e.MaxDelayMs) * time.Millisecond
	}
	if e.BackoffMultiplier > 0 {
		p.BackoffMultiplier = e.BackoffMultiplier
	}
	return p
}

// Open creates the configured credential store. The returned close function
// releases connections held by the redis and sqlite backends.
func (s StorageSettings) Open(ctx context.Context) (storage.CredentialStore, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case "", constants.StorageBackendFile:
		store, err := storage.NewFileSystemStore(s.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	case constants.StorageBackendMemory:
		return storage.NewMemoryStore(), noop, nil
	case constants.StorageBackendRedis:
		if s.RedisAddr == "" {
			return nil, nil, &ConfigError{Field: "storage.redis_addr", Message: constants.ValidationErrorRequired}
		}
		client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", s.RedisAddr, err)
		}
		opts := []storage.RedisOption{storage.WithRedisTTL(time.Duration(s.RedisTTLSeconds) * time.Second)}
		if s.RedisPrefix != "" {
			opts = append(opts, storage.WithRedisPrefix(s.RedisPrefix))
		}
		return storage.NewRedisStore(client, opts...), client.Close, nil
	case constants.StorageBackendSQLite:
		path := s.SQLitePath
		if path == "" && s.Dir != "" {
			path = filepath.Join(s.Dir, constants.DefaultSQLiteFile)
		}
		store, err := storage.OpenSQLiteStore(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, &ConfigError{Field: "storage.backend", Message: fmt.Sprintf("%s: %q", constants.ValidationErrorInvalid, s.Backend)}
	}
}
