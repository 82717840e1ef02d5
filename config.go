// Package authkit provides client-side session authentication for the dashboard
// backend: token lifecycle with silent refresh, CSRF token handling, an
// interceptor chain that recovers from auth failures, and categorized retries.
package authkit

import (
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"

	"github.com/d-kuro/authkit/pkg/auth"
	"github.com/d-kuro/authkit/pkg/constants"
	"github.com/d-kuro/authkit/pkg/csrf"
	"github.com/d-kuro/authkit/pkg/retry"
	"github.com/d-kuro/authkit/pkg/storage"
)

// Config holds all configuration options for the client.
type Config struct {
	// Backend
	BaseURL   string        `json:"baseUrl,omitempty"`
	UserAgent string        `json:"userAgent,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`

	// Session
	RefreshBuffer  time.Duration `json:"refreshBuffer,omitempty"`
	RefreshTimeout time.Duration `json:"refreshTimeout,omitempty"`

	CSRF CSRFConfig `json:"csrf,omitempty"`

	// Retry policy overrides, merged over retry.DefaultPolicies.
	RetryPolicies map[retry.Category]retry.Policy `json:"-"`

	// Social login providers, keyed by provider name.
	OAuth2Providers map[string]*oauth2.Config `json:"-"`

	// Credential Storage
	CredentialStore storage.CredentialStore `json:"-"` // Not serialized

	Logger    *slog.Logger   `json:"-"`
	Navigator auth.Navigator `json:"-"`
	Meter     metric.Meter   `json:"-"`
}

// CSRFConfig holds CSRF-specific configuration options.
type CSRFConfig struct {
	Enabled      bool          `json:"enabled"`
	FetchTimeout time.Duration `json:"fetchTimeout,omitempty"`
	ExemptPaths  []string      `json:"exemptPaths,omitempty"`
	Policies     csrf.Policies `json:"-"`
}

// ConfigOption defines a functional option for configuring the Config.
type ConfigOption func(*Config)

// WithBaseURL sets the backend origin.
func WithBaseURL(baseURL string) ConfigOption {
	return func(c *Config) {
		c.BaseURL = baseURL
	}
}

// WithUserAgent sets the User-Agent sent to the backend.
func WithUserAgent(ua string) ConfigOption {
	return func(c *Config) {
		c.UserAgent = ua
	}
}

// WithCredentialStore sets a custom credential store.
func WithCredentialStore(store storage.CredentialStore) ConfigOption {
	return func(c *Config) {
		c.CredentialStore = store
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithRefreshBuffer sets how long before expiry a token is refreshed.
func WithRefreshBuffer(buffer time.Duration) ConfigOption {
	return func(c *Config) {
		c.RefreshBuffer = buffer
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithNavigator sets the collaborator told about forced logouts and denials.
func WithNavigator(n auth.Navigator) ConfigOption {
	return func(c *Config) {
		c.Navigator = n
	}
}

// WithMeter enables OpenTelemetry metrics for retries and refreshes.
func WithMeter(meter metric.Meter) ConfigOption {
	return func(c *Config) {
		c.Meter = meter
	}
}

// WithRetryPolicy overrides the policy for one category.
func WithRetryPolicy(category retry.Category, p retry.Policy) ConfigOption {
	return func(c *Config) {
		if c.RetryPolicies == nil {
			c.RetryPolicies = make(map[retry.Category]retry.Policy)
		}
		c.RetryPolicies[category] = p
	}
}

// WithCSRF turns CSRF token handling on or off.
func WithCSRF(enabled bool) ConfigOption {
	return func(c *Config) {
		c.CSRF.Enabled = enabled
	}
}

// WithCSRFFailurePolicies sets what happens when no CSRF token can be obtained.
func WithCSRFFailurePolicies(p csrf.Policies) ConfigOption {
	return func(c *Config) {
		c.CSRF.Policies = p
	}
}

// WithOAuth2Provider registers a social login provider.
func WithOAuth2Provider(name string, cfg *oauth2.Config) ConfigOption {
	return func(c *Config) {
		if c.OAuth2Providers == nil {
			c.OAuth2Providers = make(map[string]*oauth2.Config)
		}
		c.OAuth2Providers[name] = cfg
	}
}

// NewConfig creates a new configuration with the provided options.
// Without options the client talks to constants.DefaultBaseURL and keeps its
// session under ~/.authkit.
func NewConfig(opts ...ConfigOption) *Config {
	config := &Config{
		BaseURL:        constants.DefaultBaseURL,
		UserAgent:      constants.DefaultUserAgent,
		Timeout:        constants.DefaultHTTPTimeout,
		RefreshBuffer:  constants.TokenRefreshThreshold,
		RefreshTimeout: constants.TokenRefreshTimeout,
		CSRF: CSRFConfig{
			Enabled:      true,
			FetchTimeout: constants.CSRFFetchTimeout,
			ExemptPaths:  constants.CSRFExemptPaths,
			Policies:     csrf.DefaultPolicies(),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	// Fall back to the filesystem store only when nothing else was supplied.
	if config.CredentialStore == nil {
		config.CredentialStore = storage.MustNewFileSystemStore("")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	return config
}

// Validate ensures the configuration is valid and complete.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return &ConfigError{Field: "BaseURL", Message: constants.ValidationErrorEmpty}
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != constants.SchemeHTTP && u.Scheme != constants.SchemeHTTPS) {
		return &ConfigError{Field: "BaseURL", Message: constants.ValidationErrorInvalid}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Field: "Timeout", Message: constants.ValidationErrorPositive}
	}
	if c.RefreshBuffer < 0 {
		return &ConfigError{Field: "RefreshBuffer", Message: constants.ValidationErrorInvalid}
	}
	if c.RefreshTimeout <= 0 {
		return &ConfigError{Field: "RefreshTimeout", Message: constants.ValidationErrorPositive}
	}
	if c.CSRF.Enabled && c.CSRF.FetchTimeout <= 0 {
		return &ConfigError{Field: "CSRF.FetchTimeout", Message: constants.ValidationErrorPositive}
	}
	for category, p := range c.RetryPolicies {
		if p.MaxRetries < 1 {
			return &ConfigError{Field: "RetryPolicies." + string(category) + ".MaxRetries", Message: constants.ValidationErrorPositive}
		}
		if p.InitialDelay < 0 || p.MaxDelay < 0 {
			return &ConfigError{Field: "RetryPolicies." + string(category), Message: constants.ValidationErrorInvalid}
		}
	}
	for name, p := range c.OAuth2Providers {
		if p == nil || p.ClientID == "" {
			return &ConfigError{Field: "OAuth2Providers." + name + ".ClientID", Message: constants.ValidationErrorEmpty}
		}
		if p.Endpoint.AuthURL == "" {
			return &ConfigError{Field: "OAuth2Providers." + name + ".AuthURL", Message: constants.ValidationErrorEmpty}
		}
	}
	if c.CredentialStore == nil {
		return &ConfigError{Field: "CredentialStore", Message: constants.ValidationErrorRequired}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return constants.ConfigErrorPrefix + e.Field + ": " + e.Message
}
