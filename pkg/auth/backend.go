package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/d-kuro/authkit/pkg/constants"
	"github.com/d-kuro/authkit/pkg/csrf"
	"github.com/d-kuro/authkit/pkg/httperr"
	"github.com/d-kuro/authkit/pkg/types"
)

// BackendClient calls the backend's authentication endpoints.
//
// Built on a plain *http.Client it is used for the refresh call and the CSRF
// fetch, which must not pass through the interceptor. Built on an *Interceptor
// it is used for login, register, logout and the social callback so those pick
// up CSRF headers and session cookies like any other backend request.
type BackendClient struct {
	baseURL   *url.URL
	doer      Doer
	userAgent string
	logger    *slog.Logger
}

// BackendOption configures a BackendClient.
type BackendOption func(*BackendClient)

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) BackendOption {
	return func(c *BackendClient) {
		c.userAgent = ua
	}
}

// WithBackendLogger sets the logger.
func WithBackendLogger(logger *slog.Logger) BackendOption {
	return func(c *BackendClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewBackendClient creates a client for the backend at baseURL.
func NewBackendClient(baseURL string, doer Doer, opts ...BackendOption) (*BackendClient, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if u.Scheme != constants.SchemeHTTP && u.Scheme != constants.SchemeHTTPS {
		return nil, fmt.Errorf("invalid backend URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q: missing host", baseURL)
	}
	if doer == nil {
		doer = http.DefaultClient
	}

	c := &BackendClient{
		baseURL:   u,
		doer:      doer,
		userAgent: constants.DefaultUserAgent,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the backend origin this client talks to.
func (c *BackendClient) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// URL resolves an endpoint path against the backend origin.
func (c *BackendClient) URL(path string) string {
	return c.baseURL.JoinPath(path).String()
}

// Login exchanges credentials for a session token pair.
func (c *BackendClient) Login(ctx context.Context, req types.LoginRequest) (*types.TokenResponse, error) {
	return c.tokenCall(ctx, "login", constants.LoginPath, req, nil)
}

// Register creates an account and returns its first session token pair.
func (c *BackendClient) Register(ctx context.Context, req types.RegisterRequest) (*types.TokenResponse, error) {
	return c.tokenCall(ctx, "register", constants.RegisterPath, req, nil)
}

// SocialCallback forwards an OAuth2 authorization code to the backend.
func (c *BackendClient) SocialCallback(ctx context.Context, req types.SocialCallbackRequest) (*types.TokenResponse, error) {
	return c.tokenCall(ctx, "social_callback", constants.SocialCallbackPath, req, nil)
}

// Refresh implements Refresher. csrfToken is attached when non-empty.
func (c *BackendClient) Refresh(ctx context.Context, refreshToken, csrfToken string) (*types.TokenResponse, error) {
	var headers http.Header
	if csrfToken != "" {
		headers = http.Header{constants.HeaderCSRFToken: []string{csrfToken}}
	}
	return c.tokenCall(ctx, "refresh", constants.RefreshPath, types.RefreshRequest{RefreshToken: refreshToken}, headers)
}

// Logout ends the server-side session.
func (c *BackendClient) Logout(ctx context.Context, refreshToken string) (*types.LogoutResponse, error) {
	var out types.LogoutResponse
	if err := c.postJSON(ctx, constants.LogoutPath, types.RefreshRequest{RefreshToken: refreshToken}, nil, &out); err != nil {
		return nil, &AuthError{Op: "logout", Message: "logout request failed", Err: err}
	}
	return &out, nil
}

// FetchCSRFToken implements csrf.Fetcher. The endpoint may answer with JSON
// ({"csrfToken": ...}) or with an HTML page carrying a csrf-token meta tag.
func (c *BackendClient) FetchCSRFToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(constants.CSRFTokenPath), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", constants.ContentTypeJSON+", "+constants.ContentTypeHTML+";q=0.5")
	c.setCommonHeaders(req)

	resp, err := c.doer.Do(req)
	if err != nil {
		return "", httperr.FromTransport(req, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", httperr.ReadResponse(resp)
	}
	defer func() { _ = resp.Body.Close() }()

	body := io.LimitReader(resp.Body, constants.MaxCSRFResponseSize)
	if isHTML(resp.Header.Get("Content-Type")) {
		return csrf.ExtractMetaToken(body)
	}

	var out types.CSRFTokenResponse
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode csrf token response: %w", err)
	}
	if out.CSRFToken == "" {
		return "", fmt.Errorf("csrf token response has no csrfToken")
	}
	return out.CSRFToken, nil
}

func (c *BackendClient) tokenCall(ctx context.Context, op, path string, body any, headers http.Header) (*types.TokenResponse, error) {
	var out types.TokenResponse
	if err := c.postJSON(ctx, path, body, headers, &out); err != nil {
		return nil, &AuthError{Op: op, Message: op + " request failed", Err: err}
	}
	if err := validateTokenResponse(&out); err != nil {
		return nil, &AuthError{Op: op, Message: "invalid token response", Err: err}
	}
	c.logger.DebugContext(ctx, "token pair issued",
		"op", op,
		"expires_in", out.ExpiresIn,
		"has_refresh", out.RefreshToken != "")
	return &out, nil
}

// postJSON sends body to path and decodes a 2xx JSON answer into out.
// Non-2xx answers come back as *httperr.Error.
func (c *BackendClient) postJSON(ctx context.Context, path string, body any, headers http.Header, out any) error {
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	// Check payload size limit
	if len(reqBytes) > constants.MaxAPIRequestSize {
		return fmt.Errorf("request payload too large: %d bytes (max: %d)", len(reqBytes), constants.MaxAPIRequestSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path), bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", constants.ContentTypeJSON)
	req.Header.Set("Accept", constants.ContentTypeJSON)
	c.setCommonHeaders(req)
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return httperr.FromTransport(req, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httperr.ReadResponse(resp)
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	// Limit response body size
	limitedReader := io.LimitReader(resp.Body, constants.MaxAPIResponseSize)
	if err := json.NewDecoder(limitedReader).Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *BackendClient) setCommonHeaders(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), constants.ContentTypeHTML)
	}
	return mediaType == constants.ContentTypeHTML
}
