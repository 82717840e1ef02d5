package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"time"

	"github.com/d-kuro/authkit/pkg/auth"
	"github.com/d-kuro/authkit/pkg/browser"
	"github.com/d-kuro/authkit/pkg/constants"
	"github.com/d-kuro/authkit/pkg/csrf"
	"github.com/d-kuro/authkit/pkg/httperr"
	"github.com/d-kuro/authkit/pkg/retry"
	"github.com/d-kuro/authkit/pkg/telemetry"
	"github.com/d-kuro/authkit/pkg/token"
	"github.com/d-kuro/authkit/pkg/types"
)

// RequestFactory builds a request for one attempt. It is called again for
// every retry, so each attempt gets a fresh body.
type RequestFactory func(ctx context.Context) (*http.Request, error)

// Client ties the session components together.
//
//	client, err := authkit.NewClient(authkit.WithBaseURL("https://dashboard.example.com"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := client.Restore(ctx); err != nil {
//		log.Fatal(err)
//	}
//	var videos []Video
//	err = client.SendJSON(ctx, retry.CategoryListing, http.MethodGet, "/api/videos", nil, &videos)
type Client struct {
	config      *Config
	origin      *url.URL
	httpClient  *http.Client
	store       *token.Store
	csrf        *csrf.Provider
	coordinator *auth.RefreshCoordinator
	interceptor *auth.Interceptor
	backend     *auth.BackendClient // direct, used for refresh and csrf fetches
	session     *auth.BackendClient // through the interceptor
	retry       *retry.Engine
	logger      *slog.Logger
}

// NewClient creates a new client with the provided configuration options.
// If no options are provided, default configuration will be used.
func NewClient(opts ...ConfigOption) (*Client, error) {
	config := NewConfig(opts...)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	origin, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, &ConfigError{Field: "BaseURL", Message: constants.ValidationErrorInvalid}
	}

	httpClient, err := NewHTTPClient(&HTTPClientConfig{
		Timeout:         config.Timeout,
		FollowRedirects: true,
		UserAgent:       config.UserAgent,
	}, nil)
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	backendOpts := []auth.BackendOption{
		auth.WithUserAgent(config.UserAgent),
		auth.WithBackendLogger(logger),
	}
	backend, err := auth.NewBackendClient(config.BaseURL, httpClient, backendOpts...)
	if err != nil {
		return nil, err
	}

	var recorder *telemetry.Recorder
	if config.Meter != nil {
		if recorder, err = telemetry.NewRecorder(config.Meter); err != nil {
			return nil, err
		}
	}

	store := token.NewStore(
		token.WithPersistence(config.CredentialStore),
		token.WithLogger(logger),
	)

	coordinatorOpts := []auth.CoordinatorOption{
		auth.WithRefreshBuffer(config.RefreshBuffer),
		auth.WithRefreshTimeout(config.RefreshTimeout),
		auth.WithRefreshLogger(logger),
	}
	interceptorOpts := []auth.InterceptorOption{
		auth.WithCSRFPolicies(config.CSRF.Policies),
		auth.WithNavigator(config.Navigator),
		auth.WithInterceptorLogger(logger),
	}
	retryOpts := []retry.Option{retry.WithLogger(logger)}

	var provider *csrf.Provider
	if config.CSRF.Enabled {
		provider = csrf.NewProvider(backend,
			csrf.WithFetchTimeout(config.CSRF.FetchTimeout),
			csrf.WithExemptPaths(config.CSRF.ExemptPaths...),
			csrf.WithLogger(logger),
		)
		coordinatorOpts = append(coordinatorOpts, auth.WithRefreshCSRF(provider))
		interceptorOpts = append(interceptorOpts, auth.WithCSRFSource(provider))
	}
	if recorder != nil {
		coordinatorOpts = append(coordinatorOpts, auth.WithRefreshObserver(recorder))
		retryOpts = append(retryOpts, retry.WithObserver(recorder))
	}
	if len(config.RetryPolicies) > 0 {
		policies := retry.DefaultPolicies()
		maps.Copy(policies, config.RetryPolicies)
		retryOpts = append(retryOpts, retry.WithPolicies(policies))
	}

	coordinator := auth.NewRefreshCoordinator(store, backend, coordinatorOpts...)
	interceptor := auth.NewInterceptor(httpClient, origin, coordinator, interceptorOpts...)

	session, err := auth.NewBackendClient(config.BaseURL, interceptor, backendOpts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		config:      config,
		origin:      origin,
		httpClient:  httpClient,
		store:       store,
		csrf:        provider,
		coordinator: coordinator,
		interceptor: interceptor,
		backend:     backend,
		session:     session,
		retry:       retry.NewEngine(retryOpts...),
		logger:      logger,
	}, nil
}

// Restore loads the session persisted by a previous process.
func (c *Client) Restore(ctx context.Context) error {
	if err := c.store.Restore(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	return nil
}

// Login authenticates with email and password.
func (c *Client) Login(ctx context.Context, email, password string) (*types.SessionResult, error) {
	return c.authenticate(ctx, "login", func(ctx context.Context) (*types.TokenResponse, error) {
		return c.session.Login(ctx, types.LoginRequest{Email: email, Password: password})
	})
}

// Register creates an account and starts a session for it.
func (c *Client) Register(ctx context.Context, req types.RegisterRequest) (*types.SessionResult, error) {
	return c.authenticate(ctx, "register", func(ctx context.Context) (*types.TokenResponse, error) {
		return c.session.Register(ctx, req)
	})
}

// SocialLogin runs the browser flow for a configured provider and hands the
// authorization code to the backend.
func (c *Client) SocialLogin(ctx context.Context, provider string, opts ...browser.Option) (*types.SessionResult, error) {
	cfg, ok := c.config.OAuth2Providers[provider]
	if !ok {
		return nil, &ConfigError{Field: "OAuth2Providers." + provider, Message: constants.ValidationErrorRequired}
	}

	opts = append([]browser.Option{browser.WithLogger(c.logger)}, opts...)
	callback, err := browser.NewBrowserAuth(provider, cfg, opts...).Authenticate(ctx)
	if err != nil {
		return nil, &auth.AuthError{Op: "social", Message: "browser authentication failed", Err: err}
	}
	return c.CompleteSocialLogin(ctx, *callback)
}

// CompleteSocialLogin posts an authorization code obtained elsewhere.
func (c *Client) CompleteSocialLogin(ctx context.Context, callback types.SocialCallbackRequest) (*types.SessionResult, error) {
	return c.authenticate(ctx, "social", func(ctx context.Context) (*types.TokenResponse, error) {
		return c.session.SocialCallback(ctx, callback)
	})
}

func (c *Client) authenticate(ctx context.Context, op string, call func(ctx context.Context) (*types.TokenResponse, error)) (*types.SessionResult, error) {
	start := time.Now()

	resp, err := retry.Do(ctx, c.retry, retry.CategoryAuth, func(ctx context.Context) (*types.TokenResponse, error) {
		resp, err := call(ctx)
		return resp, stopOnAuthOutcome(err)
	})
	if err != nil {
		return nil, err
	}

	if err := c.store.SetTokens(ctx, resp.AccessToken, resp.RefreshToken, resp.ExpiresInDuration()); err != nil {
		if c.store.AccessToken() != resp.AccessToken {
			return nil, &auth.AuthError{Op: op, Message: "failed to store session", Err: err}
		}
		c.logger.WarnContext(ctx, "session established but not persisted", "op", op, "error", err)
	}
	// The backend binds CSRF tokens to the session.
	if c.csrf != nil {
		c.csrf.Invalidate()
	}

	result := &types.SessionResult{
		User:            resp.User,
		ExpiresAt:       c.store.ExpiresAt(),
		HasRefreshToken: c.store.RefreshToken() != "",
		Duration:        time.Since(start),
	}
	if claims, err := c.store.Claims(); err == nil {
		result.Subject = claims.Subject
		result.Roles = claims.Roles
	}
	if result.Subject == "" && resp.User != nil {
		result.Subject = resp.User.ID
		result.Roles = resp.User.Roles
	}

	c.logger.InfoContext(ctx, "session established", "op", op, "subject", result.Subject)
	return result, nil
}

// Logout ends the session on the backend and locally. The local session is
// cleared even when the backend call fails; the failure is reported in the
// result.
func (c *Client) Logout(ctx context.Context) *types.LogoutResult {
	result := &types.LogoutResult{}

	if refresh := c.store.RefreshToken(); refresh != "" || c.store.AccessToken() != "" {
		resp, err := c.session.Logout(ctx, refresh)
		switch {
		case err != nil:
			result.Err = err
			c.logger.WarnContext(ctx, "backend logout failed", "error", err)
		default:
			result.ServerConfirmed = resp.Success
		}
	}

	if err := c.coordinator.Expire(ctx); err != nil {
		result.Err = errors.Join(result.Err, err)
	}
	return result
}

// ClearAuthentication removes the session without contacting the backend.
func (c *Client) ClearAuthentication(ctx context.Context) error {
	return c.coordinator.Expire(ctx)
}

// Do sends req through the interceptor chain once.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.interceptor.Do(req)
}

// Send dispatches build's request through the interceptor chain with the
// retry policy of category. Non-2xx responses are returned as *httperr.Error;
// the terminal auth errors from the interceptor are never retried.
func (c *Client) Send(ctx context.Context, category retry.Category, build RequestFactory) (*http.Response, error) {
	return retry.Do(ctx, c.retry, category, func(ctx context.Context) (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
		}

		resp, err := c.interceptor.Do(req)
		if err != nil {
			return nil, stopOnAuthOutcome(err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, httperr.ReadResponse(resp)
		}
		return resp, nil
	})
}

// SendJSON sends a JSON request to path on the backend and decodes the
// response into out (when non-nil).
func (c *Client) SendJSON(ctx context.Context, category retry.Category, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		if len(payload) > constants.MaxAPIRequestSize {
			return fmt.Errorf("request too large: %d bytes exceeds limit of %d bytes", len(payload), constants.MaxAPIRequestSize)
		}
	}

	target := c.URL(path)
	resp, err := c.Send(ctx, category, func(ctx context.Context) (*http.Request, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", constants.ContentTypeJSON)
		if payload != nil {
			req.Header.Set("Content-Type", constants.ContentTypeJSON)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, constants.MaxAPIResponseSize))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, constants.MaxAPIResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// URL resolves path against the backend origin.
func (c *Client) URL(path string) string {
	return c.session.URL(path)
}

// CSRFToken returns the current CSRF token, fetching one if needed.
func (c *Client) CSRFToken(ctx context.Context) (string, error) {
	if c.csrf == nil {
		return "", errors.New("csrf handling is disabled")
	}
	return c.csrf.GetToken(ctx)
}

// AccessToken returns a valid access token, refreshing first when needed.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	return c.coordinator.GetValidAccessToken(ctx)
}

// IsAuthenticated checks if the client holds an unexpired access token.
func (c *Client) IsAuthenticated() bool {
	return c.store.IsAuthenticated()
}

// Status returns the current authentication status.
func (c *Client) Status() *auth.AuthStatus {
	status := &auth.AuthStatus{
		Authenticated:     c.store.IsAuthenticated(),
		HasRefreshToken:   c.store.RefreshToken() != "",
		RefreshInProgress: c.coordinator.InProgress(),
		StoragePath:       c.config.CredentialStore.GetStoragePath(),
	}
	if c.csrf != nil {
		status.CSRFState = c.csrf.State().String()
	}

	tok := c.store.Snapshot()
	if tok == nil || tok.AccessToken == "" {
		return status
	}

	status.TokenType = tok.TokenType
	status.NeedsRefresh = c.store.NeedsRefresh(c.config.RefreshBuffer)
	status.IsExpired = !status.Authenticated
	if !tok.Expiry.IsZero() {
		status.ExpiresAt = tok.Expiry
		status.ExpiresIn = time.Until(tok.Expiry).Round(time.Second)
	}

	claims, err := c.store.Claims()
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Subject = claims.Subject
	status.Roles = claims.Roles
	return status
}

// Store returns the session token store.
func (c *Client) Store() *token.Store {
	return c.store
}

// RetryEngine returns the engine used by Send.
func (c *Client) RetryEngine() *retry.Engine {
	return c.retry
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() *Config {
	return c.config
}

// stopOnAuthOutcome marks the interceptor's terminal outcomes as permanent.
func stopOnAuthOutcome(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, auth.ErrAuthenticationExpired) ||
		errors.Is(err, auth.ErrCSRFRejected) ||
		errors.Is(err, auth.ErrAuthorizationDenied) ||
		errors.Is(err, csrf.ErrFetchFailed) {
		return retry.Permanent(err)
	}
	return err
}
