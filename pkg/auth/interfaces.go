// Package auth coordinates the session: it talks to the backend's
// authentication endpoints, keeps one refresh in flight at a time, and runs the
// per-request interceptor chain that attaches credentials and recovers from
// 401 and CSRF-shaped 403 responses.
package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/d-kuro/authkit/pkg/types"
)

// Doer sends an HTTP request. *http.Client and *Interceptor implement it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken, csrfToken string) (*types.TokenResponse, error)
}

// CSRFTokenSource supplies CSRF tokens. *csrf.Provider implements it.
type CSRFTokenSource interface {
	GetToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
	Invalidate()
	NeedsProtection(method, rawURL string) bool
}

// RefreshObserver is told how each refresh ended: "success", "failure" or
// "shared" (another caller had already refreshed).
type RefreshObserver interface {
	ObserveRefresh(ctx context.Context, outcome string, duration time.Duration)
}
