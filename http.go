package authkit

import (
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/d-kuro/authkit/pkg/constants"
)

// HTTPClientConfig contains configuration for the HTTP client.
type HTTPClientConfig struct {
	Timeout               time.Duration
	ResponseHeaderTimeout time.Duration
	FollowRedirects       bool
	UserAgent             string
}

// DefaultHTTPClientConfig returns a default HTTP client configuration.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:               constants.DefaultHTTPTimeout,
		ResponseHeaderTimeout: constants.ResponseHeaderTimeout,
		FollowRedirects:       true,
		UserAgent:             constants.DefaultUserAgent,
	}
}

// transportPool shares connection pools between clients with the same settings.
// Cookie jars are per client, so only transports are pooled.
type transportPool struct {
	transports map[string]*http.Transport
	mutex      sync.RWMutex
}

// Global transport pool for efficient connection reuse
var globalTransportPool = &transportPool{
	transports: make(map[string]*http.Transport),
}

func (tp *transportPool) getOrCreate(config *HTTPClientConfig) *http.Transport {
	headerTimeout := config.ResponseHeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = constants.ResponseHeaderTimeout
	}
	key := headerTimeout.String()

	// Try to get existing transport first
	tp.mutex.RLock()
	if t, exists := tp.transports[key]; exists {
		tp.mutex.RUnlock()
		return t
	}
	tp.mutex.RUnlock()

	tp.mutex.Lock()
	defer tp.mutex.Unlock()

	// Double-check after acquiring write lock
	if t, exists := tp.transports[key]; exists {
		return t
	}

	dialer := &net.Dialer{
		Timeout:   constants.DefaultDialerTimeout,
		KeepAlive: constants.KeepAliveTimeout,
	}
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        constants.MaxIdleConns,
		MaxIdleConnsPerHost: constants.MaxIdleConnsPerHost,
		MaxConnsPerHost:     constants.MaxConnsPerHost,
		IdleConnTimeout:     constants.IdleConnTimeout,

		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   constants.TLSHandshakeTimeout,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: constants.ExpectContinueTimeout,

		ForceAttemptHTTP2: true,
	}
	tp.transports[key] = t
	return t
}

// userAgentTransport sets User-Agent on requests that don't carry one.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent == "" || req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

// NewHTTPClient creates an http.Client with a session cookie jar on a pooled
// transport. base replaces the pooled transport when non-nil.
func NewHTTPClient(config *HTTPClientConfig, base http.RoundTripper) (*http.Client, error) {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}
	if base == nil {
		base = globalTransportPool.getOrCreate(config)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	client := &http.Client{
		Timeout:   config.Timeout,
		Jar:       jar,
		Transport: &userAgentTransport{base: base, userAgent: config.UserAgent},
	}

	// Configure secure redirect policy
	if !config.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= constants.MaxRedirects {
				return fmt.Errorf("too many redirects (max: %d)", constants.MaxRedirects)
			}
			if err := validateRedirectURL(req.URL, via); err != nil {
				return fmt.Errorf("redirect validation failed: %w", err)
			}
			return nil
		}
	}

	return client, nil
}

// validateRedirectURL rejects scheme downgrades. Credentials set by the
// interceptor are dropped by net/http when a redirect leaves the host.
func validateRedirectURL(redirectURL *url.URL, via []*http.Request) error {
	if len(via) == 0 {
		return nil
	}
	originalScheme := via[0].URL.Scheme
	if redirectURL.Scheme != originalScheme {
		// Allow HTTP -> HTTPS upgrade, but not HTTPS -> HTTP downgrade
		if originalScheme != constants.SchemeHTTP || redirectURL.Scheme != constants.SchemeHTTPS {
			return fmt.Errorf("scheme change not allowed: %s -> %s", originalScheme, redirectURL.Scheme)
		}
	}
	return nil
}
