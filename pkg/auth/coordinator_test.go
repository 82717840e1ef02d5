package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/d-kuro/authkit/pkg/constants"
	"github.com/d-kuro/authkit/pkg/csrf"
	"github.com/d-kuro/authkit/pkg/httperr"
	"github.com/d-kuro/authkit/pkg/storage"
	"github.com/d-kuro/authkit/pkg/token"
	"github.com/d-kuro/authkit/pkg/types"
)

// fakeRefresher hands out new-access-token-N and can block until released.
type fakeRefresher struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	err     error

	mu       sync.Mutex
	lastCSRF string
	lastRT   string
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken, csrfToken string) (*types.TokenResponse, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.lastCSRF = csrfToken
	f.lastRT = refreshToken
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &types.TokenResponse{
		AccessToken:  fmt.Sprintf("new-access-token-%d", n),
		RefreshToken: "rotated-refresh-token",
		ExpiresIn:    3600,
	}, nil
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *outcomeRecorder) ObserveRefresh(_ context.Context, outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

// newExpiringStore returns a store whose access token is inside the refresh buffer.
func newExpiringStore(t *testing.T) *token.Store {
	t.Helper()
	store := token.NewStore()
	if err := store.SetTokens(context.Background(), "old-access-token", "refresh-token-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestCoordinatorReturnsValidTokenWithoutRefresh(t *testing.T) {
	store := token.NewStore()
	_ = store.SetTokens(context.Background(), "valid-access-token", "refresh-token-1", time.Hour)
	refresher := &fakeRefresher{}
	c := NewRefreshCoordinator(store, refresher)

	tok, err := c.GetValidAccessToken(context.Background())
	if err != nil || tok != "valid-access-token" {
		t.Fatalf("Expected current token, got %q (%v)", tok, err)
	}
	if refresher.calls.Load() != 0 {
		t.Errorf("Expected no refresh calls, got %d", refresher.calls.Load())
	}
}

func TestCoordinatorSingleFlight(t *testing.T) {
	store := newExpiringStore(t)
	refresher := &fakeRefresher{entered: make(chan struct{}, 4), release: make(chan struct{})}
	c := NewRefreshCoordinator(store, refresher)

	const callers = 25
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetValidAccessToken(context.Background())
		}(i)
	}

	<-refresher.entered
	if !c.InProgress() {
		t.Error("Expected InProgress while refresh is running")
	}
	close(refresher.release)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil || results[i] != "new-access-token-1" {
			t.Errorf("caller %d got %q (%v)", i, results[i], errs[i])
		}
	}
	if got := refresher.calls.Load(); got != 1 {
		t.Errorf("Expected exactly one refresh call, got %d", got)
	}
	if c.InProgress() {
		t.Error("Expected no refresh in progress after completion")
	}
	if store.AccessToken() != "new-access-token-1" || store.RefreshToken() != "rotated-refresh-token" {
		t.Errorf("Store not updated: %q / %q", store.AccessToken(), store.RefreshToken())
	}
}

func TestCoordinatorFailureRejectsAllWaiters(t *testing.T) {
	store := newExpiringStore(t)
	rejected := httperr.FromResponse(&http.Response{StatusCode: 401}, []byte(`{"message":"refresh token revoked"}`))
	refresher := &fakeRefresher{entered: make(chan struct{}, 4), release: make(chan struct{}), err: rejected}

	provider := csrf.NewProvider(csrf.FetcherFunc(func(context.Context) (string, error) { return "csrf-1", nil }))
	if _, err := provider.GetToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := NewRefreshCoordinator(store, refresher, WithRefreshCSRF(provider))

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetValidAccessToken(context.Background())
		}(i)
	}
	<-refresher.entered
	close(refresher.release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrAuthenticationExpired) {
			t.Errorf("caller %d: expected ErrAuthenticationExpired, got %v", i, err)
		}
	}
	var herr *httperr.Error
	if !errors.As(errs[0], &herr) && !errors.Is(errs[0], ErrNoRefreshToken) {
		t.Errorf("Expected the server response or a missing refresh token behind the error, got %v", errs[0])
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("Expected one refresh call, got %d", refresher.calls.Load())
	}
	if store.AccessToken() != "" || store.RefreshToken() != "" {
		t.Error("Expected tokens to be cleared after refresh failure")
	}
	if provider.State() != csrf.StateEmpty {
		t.Errorf("Expected csrf token to be dropped, got %v", provider.State())
	}
}

func TestCoordinatorFailureKeepsServerResponse(t *testing.T) {
	store := newExpiringStore(t)
	rejected := httperr.FromResponse(&http.Response{StatusCode: 401}, []byte(`{"message":"refresh token revoked"}`))
	c := NewRefreshCoordinator(store, &fakeRefresher{err: rejected})

	_, err := c.GetValidAccessToken(context.Background())
	var herr *httperr.Error
	if !errors.As(err, &herr) || herr.Status != 401 {
		t.Errorf("Expected the 401 response to stay reachable, got %v", err)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Op != "refresh" {
		t.Errorf("Expected *AuthError{Op: refresh}, got %v", err)
	}
}

func TestCoordinatorNoRefreshToken(t *testing.T) {
	store := token.NewStore()
	_ = store.SetTokens(context.Background(), "old-access-token", "", time.Minute)
	refresher := &fakeRefresher{}
	c := NewRefreshCoordinator(store, refresher)

	_, err := c.GetValidAccessToken(context.Background())
	if !errors.Is(err, ErrAuthenticationExpired) || !errors.Is(err, ErrNoRefreshToken) {
		t.Errorf("Expected expired + no refresh token, got %v", err)
	}
	if refresher.calls.Load() != 0 {
		t.Errorf("Expected no refresh call, got %d", refresher.calls.Load())
	}
}

func TestCoordinatorForceRefresh(t *testing.T) {
	store := token.NewStore()
	_ = store.SetTokens(context.Background(), "current-access-token", "refresh-token-1", time.Hour)
	refresher := &fakeRefresher{}
	c := NewRefreshCoordinator(store, refresher)

	// Someone else already replaced the rejected token.
	tok, err := c.ForceRefresh(context.Background(), "stale-access-token")
	if err != nil || tok != "current-access-token" {
		t.Fatalf("Expected the replacement token, got %q (%v)", tok, err)
	}
	if refresher.calls.Load() != 0 {
		t.Fatalf("Expected no refresh call, got %d", refresher.calls.Load())
	}

	// The current token itself was rejected.
	tok, err = c.ForceRefresh(context.Background(), "current-access-token")
	if err != nil || tok != "new-access-token-1" {
		t.Fatalf("Expected a refreshed token, got %q (%v)", tok, err)
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("Expected one refresh call, got %d", refresher.calls.Load())
	}
}

func TestCoordinatorAttachesCSRFToken(t *testing.T) {
	store := newExpiringStore(t)
	refresher := &fakeRefresher{}
	provider := csrf.NewProvider(csrf.FetcherFunc(func(context.Context) (string, error) { return "csrf-abc", nil }))
	c := NewRefreshCoordinator(store, refresher, WithRefreshCSRF(provider))

	if _, err := c.GetValidAccessToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	if refresher.lastCSRF != "csrf-abc" {
		t.Errorf("Expected csrf token on refresh call, got %q", refresher.lastCSRF)
	}
	if refresher.lastRT != "refresh-token-1" {
		t.Errorf("Expected stored refresh token, got %q", refresher.lastRT)
	}
}

func TestCoordinatorRefreshesWithoutCSRFWhenFetchFails(t *testing.T) {
	store := newExpiringStore(t)
	refresher := &fakeRefresher{}
	provider := csrf.NewProvider(csrf.FetcherFunc(func(context.Context) (string, error) {
		return "", errors.New("csrf endpoint down")
	}))
	c := NewRefreshCoordinator(store, refresher, WithRefreshCSRF(provider))

	tok, err := c.GetValidAccessToken(context.Background())
	if err != nil || tok != "new-access-token-1" {
		t.Fatalf("Expected refresh to proceed, got %q (%v)", tok, err)
	}
	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	if refresher.lastCSRF != "" {
		t.Errorf("Expected no csrf token, got %q", refresher.lastCSRF)
	}
}

func TestCoordinatorAbandonedCallerDoesNotCancelRefresh(t *testing.T) {
	store := newExpiringStore(t)
	refresher := &fakeRefresher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewRefreshCoordinator(store, refresher)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetValidAccessToken(ctx)
		errCh <- err
	}()

	<-refresher.entered
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	close(refresher.release)
	tok, err := c.GetValidAccessToken(context.Background())
	if err != nil || tok != "new-access-token-1" {
		t.Errorf("Expected the detached refresh to complete, got %q (%v)", tok, err)
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("Expected one refresh call, got %d", refresher.calls.Load())
	}
}

func TestCoordinatorObserver(t *testing.T) {
	store := newExpiringStore(t)
	observer := &outcomeRecorder{}
	c := NewRefreshCoordinator(store, &fakeRefresher{}, WithRefreshObserver(observer))

	_, _ = c.GetValidAccessToken(context.Background())
	_, _ = c.ForceRefresh(context.Background(), "new-access-token-1")

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if len(observer.outcomes) != 2 || observer.outcomes[0] != "success" || observer.outcomes[1] != "success" {
		t.Errorf("Unexpected outcomes %v", observer.outcomes)
	}
}

func TestCoordinatorExpireDuringRefreshDiscardsResult(t *testing.T) {
	ctx := context.Background()
	persisted := storage.NewMemoryStore()
	store := token.NewStore(token.WithPersistence(persisted))
	if err := store.SetTokens(ctx, "old-access-token", "refresh-token-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	refresher := &fakeRefresher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewRefreshCoordinator(store, refresher)

	done := make(chan error, 1)
	go func() {
		_, err := c.GetValidAccessToken(ctx)
		done <- err
	}()

	<-refresher.entered
	if err := c.Expire(ctx); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	close(refresher.release)

	if err := <-done; !errors.Is(err, ErrAuthenticationExpired) {
		t.Fatalf("Expected ErrAuthenticationExpired, got %v", err)
	}
	if store.AccessToken() != "" || store.RefreshToken() != "" || store.IsAuthenticated() {
		t.Errorf("Expected logged-out session to stay empty, got %q / %q", store.AccessToken(), store.RefreshToken())
	}
	for _, key := range []string{constants.AccessTokenKey, constants.RefreshTokenKey} {
		if _, err := persisted.Load(ctx, key); !errors.Is(err, storage.ErrStorageNotFound) {
			t.Errorf("Expected %s not to be persisted again, got %v", key, err)
		}
	}
}

func TestCoordinatorFailedRefreshKeepsNewerSession(t *testing.T) {
	ctx := context.Background()
	store := newExpiringStore(t)
	refresher := &fakeRefresher{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		err:     errors.New("refresh token revoked"),
	}
	c := NewRefreshCoordinator(store, refresher)

	done := make(chan error, 1)
	go func() {
		_, err := c.GetValidAccessToken(ctx)
		done <- err
	}()

	<-refresher.entered
	_ = c.Expire(ctx)
	if err := store.SetTokens(ctx, "fresh-login-token", "fresh-refresh-token", time.Hour); err != nil {
		t.Fatal(err)
	}
	close(refresher.release)

	if err := <-done; !errors.Is(err, ErrAuthenticationExpired) {
		t.Fatalf("Expected ErrAuthenticationExpired, got %v", err)
	}
	if store.AccessToken() != "fresh-login-token" {
		t.Errorf("Expected the new session to survive, got %q", store.AccessToken())
	}
}
