package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/d-kuro/authkit/pkg/constants"
	"github.com/d-kuro/authkit/pkg/csrf"
	"github.com/d-kuro/authkit/pkg/httperr"
)

// authEndpoints are the bootstrap endpoints governed by the auth CSRF policy.
var authEndpoints = []string{
	constants.LoginPath,
	constants.RegisterPath,
	constants.RefreshPath,
	constants.SocialCallbackPath,
}

// Interceptor is the per-request pipeline in front of the backend.
//
// Requests to the backend origin get a bearer token (except bootstrap
// endpoints), a CSRF header when they change state, and a request ID. A 401 is
// answered with one refresh and one retry; a CSRF-shaped 403 with one token
// rotation and one retry. Each recovery is granted once per request, in either
// order; retries go straight to the underlying Doer.
type Interceptor struct {
	next      Doer
	origin    *url.URL
	tokens    *RefreshCoordinator
	csrf      CSRFTokenSource
	policies  csrf.Policies
	navigator Navigator
	logger    *slog.Logger
}

// InterceptorOption configures an Interceptor.
type InterceptorOption func(*Interceptor)

// WithCSRFSource enables CSRF headers on protected requests.
func WithCSRFSource(src CSRFTokenSource) InterceptorOption {
	return func(i *Interceptor) {
		i.csrf = src
	}
}

// WithCSRFPolicies sets what happens when no CSRF token can be obtained.
func WithCSRFPolicies(p csrf.Policies) InterceptorOption {
	return func(i *Interceptor) {
		i.policies = p
	}
}

// WithNavigator sets the navigator used on forced logout and denied requests.
func WithNavigator(n Navigator) InterceptorOption {
	return func(i *Interceptor) {
		if n != nil {
			i.navigator = n
		}
	}
}

// WithInterceptorLogger sets the logger.
func WithInterceptorLogger(logger *slog.Logger) InterceptorOption {
	return func(i *Interceptor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewInterceptor wraps next. Only requests under origin are intercepted.
func NewInterceptor(next Doer, origin *url.URL, tokens *RefreshCoordinator, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{
		next:     next,
		origin:   origin,
		tokens:   tokens,
		policies: csrf.DefaultPolicies(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.navigator == nil {
		i.navigator = LogNavigator{Logger: i.logger}
	}
	return i
}

// Do implements Doer.
//
// Terminal authentication outcomes are returned as errors wrapping
// ErrAuthenticationExpired, ErrCSRFRejected or ErrAuthorizationDenied; any
// other response, successful or not, is returned to the caller unchanged.
func (i *Interceptor) Do(req *http.Request) (*http.Response, error) {
	if !i.targetsBackend(req.URL) {
		return i.next.Do(req)
	}

	ctx := req.Context()
	req = req.Clone(ctx)
	if req.Header.Get(constants.HeaderRequestID) == "" {
		req.Header.Set(constants.HeaderRequestID, uuid.NewString())
	}

	path := req.URL.Path
	bootstrap := matchesEndpoint(path, constants.BootstrapPaths)

	var bearer string
	if !bootstrap {
		tok, err := i.tokens.GetValidAccessToken(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, i.expire(ctx, err)
		}
		bearer = tok
		req.Header.Set(constants.HeaderAuthorization, constants.BearerPrefix+bearer)
	}

	if err := i.attachCSRF(ctx, req); err != nil {
		return nil, err
	}

	resp, err := i.next.Do(req)
	if err != nil {
		return nil, httperr.FromTransport(req, err)
	}
	return i.handleRejection(ctx, req, resp, bearer, bootstrap)
}

// recovery records which recoveries a request has already used.
type recovery struct {
	refreshed bool
	rotated   bool
}

// handleRejection handles 401 and 403 answers. Each recovery kind runs at most
// once per request, so a request is dispatched at most three times.
func (i *Interceptor) handleRejection(ctx context.Context, req *http.Request, resp *http.Response, bearer string, bootstrap bool) (*http.Response, error) {
	var done recovery
	for {
		var err error
		switch {
		case resp.StatusCode == http.StatusUnauthorized && !bootstrap:
			req, bearer, err = i.recoverUnauthorized(ctx, req, resp, bearer, done.refreshed)
			done.refreshed = true
		case resp.StatusCode == http.StatusForbidden:
			req, err = i.recoverForbidden(ctx, req, resp, done.rotated)
			done.rotated = true
		default:
			return resp, nil
		}
		if err != nil {
			return nil, err
		}

		resp, err = i.next.Do(req)
		if err != nil {
			return nil, httperr.FromTransport(req, err)
		}
	}
}

// recoverUnauthorized refreshes the access token and returns the request to
// send again. A 401 after a refresh ends the session.
func (i *Interceptor) recoverUnauthorized(ctx context.Context, req *http.Request, resp *http.Response, bearer string, refreshed bool) (*http.Request, string, error) {
	rejected := httperr.ReadResponse(resp)
	if refreshed {
		return nil, "", i.expire(ctx, &AuthError{
			Op:      "request",
			Message: "request rejected after refresh",
			Err:     fmt.Errorf("%w: %w", ErrAuthenticationExpired, rejected),
		})
	}

	retryReq, ok := rewind(req)
	if !ok {
		return nil, "", &AuthError{Op: "request", Message: "request body cannot be replayed after refresh", Err: rejected}
	}

	i.logger.DebugContext(ctx, "access token rejected, refreshing", "url", req.URL.Redacted())
	tok, err := i.tokens.ForceRefresh(ctx, bearer)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", i.expire(ctx, err)
	}
	retryReq.Header.Set(constants.HeaderAuthorization, constants.BearerPrefix+tok)
	return retryReq, tok, nil
}

// recoverForbidden rotates the CSRF token and returns the request to send
// again when the 403 is CSRF-shaped. Any other 403 is a denial, and a second
// CSRF rejection is surfaced.
func (i *Interceptor) recoverForbidden(ctx context.Context, req *http.Request, resp *http.Response, rotated bool) (*http.Request, error) {
	rejected := httperr.ReadResponse(resp)
	if rejected.Kind != httperr.KindCSRF {
		return nil, i.deny(ctx, rejected)
	}
	if i.csrf == nil {
		return nil, csrfRejected(rejected)
	}
	if rotated {
		i.csrf.Invalidate()
		return nil, csrfRejected(rejected)
	}

	retryReq, ok := rewind(req)
	if !ok {
		return nil, csrfRejected(rejected)
	}

	i.logger.DebugContext(ctx, "csrf token rejected, rotating", "url", req.URL.Redacted())
	tok, err := i.csrf.Refresh(ctx)
	if err != nil {
		return nil, &AuthError{
			Op:      "csrf",
			Message: "csrf token rotation failed",
			Err:     fmt.Errorf("%w: %w (rotation: %w)", ErrCSRFRejected, rejected, err),
		}
	}
	retryReq.Header.Set(constants.HeaderCSRFToken, tok)
	return retryReq, nil
}

func (i *Interceptor) attachCSRF(ctx context.Context, req *http.Request) error {
	if i.csrf == nil || !i.csrf.NeedsProtection(req.Method, req.URL.String()) {
		return nil
	}

	tok, err := i.csrf.GetToken(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		authEndpoint := matchesEndpoint(req.URL.Path, authEndpoints)
		if i.policies.For(authEndpoint) == csrf.FailClosed {
			return &AuthError{Op: "csrf", Message: "csrf token unavailable", Err: err}
		}
		i.logger.WarnContext(ctx, "sending request without csrf token",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"error", err)
		return nil
	}
	req.Header.Set(constants.HeaderCSRFToken, tok)
	return nil
}

// expire performs the forced logout and returns an error wrapping
// ErrAuthenticationExpired.
func (i *Interceptor) expire(ctx context.Context, cause error) error {
	if err := i.tokens.Expire(ctx); err != nil {
		i.logger.WarnContext(ctx, "failed to clear persisted session", "error", err)
	}
	i.navigator.ToLogin(ctx, ReturnURL(ctx))

	if errors.Is(cause, ErrAuthenticationExpired) {
		return cause
	}
	return &AuthError{Op: "request", Message: "session expired", Err: fmt.Errorf("%w: %w", ErrAuthenticationExpired, cause)}
}

func (i *Interceptor) deny(ctx context.Context, e *httperr.Error) error {
	i.navigator.ToUnauthorized(ctx)
	return &AuthError{Op: "request", Message: "request denied", Err: fmt.Errorf("%w: %w", ErrAuthorizationDenied, e)}
}

func csrfRejected(e *httperr.Error) error {
	return &AuthError{Op: "csrf", Message: "request rejected as csrf-invalid", Err: fmt.Errorf("%w: %w", ErrCSRFRejected, e)}
}

func (i *Interceptor) targetsBackend(u *url.URL) bool {
	if u == nil || i.origin == nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, i.origin.Scheme) || !strings.EqualFold(u.Host, i.origin.Host) {
		return false
	}
	base := strings.TrimSuffix(i.origin.Path, "/")
	return base == "" || u.Path == base || strings.HasPrefix(u.Path, base+"/")
}

// rewind returns a copy of req whose body can be sent again.
func rewind(req *http.Request) (*http.Request, bool) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	clone.Body = body
	return clone, true
}

func matchesEndpoint(path string, endpoints []string) bool {
	path = strings.TrimSuffix(path, "/")
	return slices.ContainsFunc(endpoints, func(e string) bool {
		return strings.HasSuffix(path, e)
	})
}
