package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/d-kuro/authkit/pkg/constants"
	"github.com/d-kuro/authkit/pkg/token"
)

const refreshFlightKey = "refresh"

// RefreshCoordinator hands out valid access tokens and guarantees that at most
// one refresh call is in flight. Every caller that arrives while a refresh is
// running receives that refresh's outcome.
type RefreshCoordinator struct {
	store     *token.Store
	refresher Refresher
	csrf      CSRFTokenSource

	group    singleflight.Group
	inFlight atomic.Int32

	// sessionMu orders Expire against a refresh writing its result. epoch
	// counts ended sessions; a refresh only lands in the epoch it started in.
	sessionMu sync.Mutex
	epoch     uint64

	buffer   time.Duration
	timeout  time.Duration
	observer RefreshObserver
	logger   *slog.Logger
}

// CoordinatorOption configures a RefreshCoordinator.
type CoordinatorOption func(*RefreshCoordinator)

// WithRefreshBuffer refreshes tokens this long before they expire.
// Defaults to constants.TokenRefreshThreshold.
func WithRefreshBuffer(d time.Duration) CoordinatorOption {
	return func(c *RefreshCoordinator) {
		if d >= 0 {
			c.buffer = d
		}
	}
}

// WithRefreshTimeout bounds a single refresh call.
func WithRefreshTimeout(d time.Duration) CoordinatorOption {
	return func(c *RefreshCoordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRefreshCSRF attaches a CSRF token to refresh calls and drops it on
// terminal failure.
func WithRefreshCSRF(src CSRFTokenSource) CoordinatorOption {
	return func(c *RefreshCoordinator) {
		c.csrf = src
	}
}

// WithRefreshObserver registers a refresh observer.
func WithRefreshObserver(o RefreshObserver) CoordinatorOption {
	return func(c *RefreshCoordinator) {
		c.observer = o
	}
}

// WithRefreshLogger sets the logger.
func WithRefreshLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *RefreshCoordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewRefreshCoordinator creates a coordinator over store.
func NewRefreshCoordinator(store *token.Store, refresher Refresher, opts ...CoordinatorOption) *RefreshCoordinator {
	c := &RefreshCoordinator{
		store:     store,
		refresher: refresher,
		buffer:    constants.TokenRefreshThreshold,
		timeout:   constants.TokenRefreshTimeout,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the token store the coordinator manages.
func (c *RefreshCoordinator) Store() *token.Store {
	return c.store
}

// InProgress reports whether a refresh call is running.
func (c *RefreshCoordinator) InProgress() bool {
	return c.inFlight.Load() > 0
}

// GetValidAccessToken returns the current access token if it is outside the
// refresh buffer, and otherwise joins or starts the single refresh.
//
// The refresh runs detached from ctx: a caller that gives up stops waiting, but
// the refresh completes for the others.
func (c *RefreshCoordinator) GetValidAccessToken(ctx context.Context) (string, error) {
	if !c.store.NeedsRefresh(c.buffer) {
		return c.store.AccessToken(), nil
	}
	return c.refresh(ctx, "")
}

// ForceRefresh is used after the server rejected rejected with a 401. If the
// store already holds a different, valid token (another caller refreshed in
// the meantime) that token is returned without a network call.
func (c *RefreshCoordinator) ForceRefresh(ctx context.Context, rejected string) (string, error) {
	if current, ok := c.replacement(rejected); ok {
		return current, nil
	}
	return c.refresh(ctx, rejected)
}

// Expire ends the session locally: tokens are cleared and the CSRF token dropped.
// A refresh still in flight is discarded when it completes.
func (c *RefreshCoordinator) Expire(ctx context.Context) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.expireLocked(ctx)
}

func (c *RefreshCoordinator) expireLocked(ctx context.Context) error {
	c.epoch++
	if c.csrf != nil {
		c.csrf.Invalidate()
	}
	return c.store.ClearTokens(ctx)
}

func (c *RefreshCoordinator) currentEpoch() uint64 {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.epoch
}

func (c *RefreshCoordinator) refresh(ctx context.Context, rejected string) (string, error) {
	ch := c.group.DoChan(refreshFlightKey, func() (any, error) {
		return c.doRefresh(ctx, rejected)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// replacement returns the stored token when it differs from rejected and is
// outside the refresh buffer.
func (c *RefreshCoordinator) replacement(rejected string) (string, bool) {
	current := c.store.AccessToken()
	if current == "" || current == rejected || c.store.NeedsRefresh(c.buffer) {
		return "", false
	}
	return current, true
}

func (c *RefreshCoordinator) doRefresh(callerCtx context.Context, rejected string) (string, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(callerCtx), c.timeout)
	defer cancel()
	epoch := c.currentEpoch()

	// A caller that read the store just before the previous refresh finished
	// lands here; serve it the result of that refresh.
	if current, ok := c.replacement(rejected); ok {
		c.observe(ctx, "shared", time.Since(start))
		return current, nil
	}

	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	refreshToken := c.store.RefreshToken()
	if refreshToken == "" {
		return "", c.fail(ctx, start, epoch, ErrNoRefreshToken)
	}

	var csrfToken string
	if c.csrf != nil {
		tok, err := c.csrf.GetToken(ctx)
		if err != nil {
			// The refresh endpoint is exempt from CSRF enforcement; send it bare.
			c.logger.WarnContext(ctx, "refreshing without csrf token", "error", err)
		} else {
			csrfToken = tok
		}
	}

	resp, err := c.refresher.Refresh(ctx, refreshToken, csrfToken)
	if err != nil {
		return "", c.fail(ctx, start, epoch, err)
	}

	c.sessionMu.Lock()
	if c.epoch != epoch {
		c.sessionMu.Unlock()
		c.logger.InfoContext(ctx, "session ended during refresh, discarding tokens")
		c.observe(ctx, "failure", time.Since(start))
		return "", &AuthError{Op: "refresh", Message: "session ended during refresh", Err: ErrAuthenticationExpired}
	}
	err = c.store.SetTokens(ctx, resp.AccessToken, resp.RefreshToken, resp.ExpiresInDuration())
	c.sessionMu.Unlock()
	if err != nil {
		// The in-memory session is updated; only persistence failed.
		c.logger.WarnContext(ctx, "refreshed session not persisted", "error", err)
	}

	c.logger.DebugContext(ctx, "access token refreshed",
		"duration", time.Since(start),
		"rotated_refresh", resp.RefreshToken != "")
	c.observe(ctx, "success", time.Since(start))
	return resp.AccessToken, nil
}

// fail ends the session the refresh started in. A session begun after an
// Expire is left alone.
func (c *RefreshCoordinator) fail(ctx context.Context, start time.Time, epoch uint64, cause error) error {
	c.sessionMu.Lock()
	if c.epoch == epoch {
		if err := c.expireLocked(ctx); err != nil {
			c.logger.WarnContext(ctx, "failed to clear persisted session", "error", err)
		}
	}
	c.sessionMu.Unlock()
	c.logger.InfoContext(ctx, "token refresh failed, session cleared", "error", cause)
	c.observe(ctx, "failure", time.Since(start))

	return &AuthError{
		Op:      "refresh",
		Message: "token refresh failed",
		Err:     fmt.Errorf("%w: %w", ErrAuthenticationExpired, cause),
	}
}

func (c *RefreshCoordinator) observe(ctx context.Context, outcome string, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRefresh(ctx, outcome, d)
	}
}

// IsAuthenticationExpired reports whether err is a terminal session failure.
func IsAuthenticationExpired(err error) bool {
	return errors.Is(err, ErrAuthenticationExpired)
}
