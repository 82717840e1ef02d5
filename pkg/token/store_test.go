package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/d-kuro/authkit/pkg/constants"
	"github.com/d-kuro/authkit/pkg/storage"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingStore rejects every write.
type failingStore struct {
	*storage.MemoryStore
}

func (f *failingStore) Store(context.Context, string, string) error {
	return storage.ErrStoragePermission
}

func TestStoreSetTokensAndRead(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if err := store.SetTokens(ctx, "tok1", "ref1", 3600*time.Second); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}
	if got := store.AccessToken(); got != "tok1" {
		t.Errorf("Expected access token tok1, got %q", got)
	}
	if got := store.RefreshToken(); got != "ref1" {
		t.Errorf("Expected refresh token ref1, got %q", got)
	}
	if !store.IsAuthenticated() {
		t.Error("Expected store to be authenticated")
	}
}

func TestStoreReplaceKeepsRefreshWhenOmitted(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	_ = store.SetTokens(ctx, "tok1", "ref1", time.Hour)
	_ = store.SetTokens(ctx, "tok2", "", time.Hour)

	if store.AccessToken() != "tok2" {
		t.Errorf("Expected replaced access token, got %q", store.AccessToken())
	}
	if store.RefreshToken() != "ref1" {
		t.Errorf("Expected refresh token to survive, got %q", store.RefreshToken())
	}
}

func TestStoreExpiry(t *testing.T) {
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	store := NewStore(WithClock(clock.Now))
	ctx := context.Background()

	_ = store.SetTokens(ctx, "opaque", "ref", 10*time.Minute)

	if store.NeedsRefresh(5 * time.Minute) {
		t.Error("Token with 10m left should not need refresh")
	}
	clock.Advance(6 * time.Minute)
	if !store.NeedsRefresh(5 * time.Minute) {
		t.Error("Token with 4m left should need refresh")
	}
	if !store.IsAuthenticated() {
		t.Error("Token inside the buffer is still valid")
	}
	clock.Advance(5 * time.Minute)
	if store.IsAuthenticated() {
		t.Error("Expired token should not authenticate")
	}
}

func TestStoreExpiryFromClaims(t *testing.T) {
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	store := NewStore(WithClock(clock.Now))

	tok := mintToken(t, jwt.MapClaims{"sub": "u1", "exp": clock.now.Unix() + 3600, "roles": []string{"admin"}})
	if err := store.SetTokens(context.Background(), tok, "", 0); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}

	if got := store.ExpiresAt(); !got.Equal(time.Unix(clock.now.Unix()+3600, 0)) {
		t.Errorf("Expected expiry from exp claim, got %v", got)
	}
	if !store.IsAuthenticated() {
		t.Error("Expected store to be authenticated")
	}
	claims, err := store.Claims()
	if err != nil {
		t.Fatalf("Claims failed: %v", err)
	}
	if claims.Subject != "u1" || !claims.HasRole("admin") {
		t.Errorf("Unexpected claims %+v", claims)
	}

	// An opaque token without expiresIn has no known expiry and falls back to the codec.
	_ = store.SetTokens(context.Background(), "opaque-token", "", 0)
	if store.IsAuthenticated() {
		t.Error("Opaque token without expiry should not authenticate")
	}
	if !store.NeedsRefresh(time.Minute) {
		t.Error("Opaque token without expiry should need refresh")
	}
}

func TestStoreClearAndSubscribe(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	cancel := store.Subscribe(func(access string) {
		mu.Lock()
		seen = append(seen, access)
		mu.Unlock()
	})

	_ = store.SetTokens(ctx, "tok1", "ref1", time.Hour)
	if err := store.ClearTokens(ctx); err != nil {
		t.Fatalf("ClearTokens failed: %v", err)
	}
	cancel()
	_ = store.SetTokens(ctx, "tok2", "", time.Hour)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "tok1" || seen[1] != "" {
		t.Errorf("Expected [tok1 \"\"], got %q", seen)
	}

	_ = store.ClearTokens(ctx)
	if store.AccessToken() != "" || store.RefreshToken() != "" {
		t.Error("Expected empty tokens after clear")
	}
	if store.IsAuthenticated() {
		t.Error("Cleared store should not authenticate")
	}
	if store.Snapshot() != nil {
		t.Error("Cleared store should have no snapshot")
	}
	if _, err := store.Claims(); !IsDecodeError(err) {
		t.Errorf("Expected decode error for missing token, got %v", err)
	}
}

func TestStoreSetTokensRejectsEmpty(t *testing.T) {
	if err := NewStore().SetTokens(context.Background(), "", "ref", time.Hour); err == nil {
		t.Error("Expected error for empty access token")
	}
}

func TestStorePersistAndRestore(t *testing.T) {
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	backend := storage.NewMemoryStore()
	ctx := context.Background()

	first := NewStore(WithPersistence(backend), WithClock(clock.Now))
	if err := first.SetTokens(ctx, "tok1", "ref1", time.Hour); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}

	restarted := NewStore(WithPersistence(backend), WithClock(clock.Now))
	if err := restarted.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restarted.AccessToken() != "tok1" || restarted.RefreshToken() != "ref1" {
		t.Errorf("Unexpected restored tokens %q/%q", restarted.AccessToken(), restarted.RefreshToken())
	}
	if !restarted.IsAuthenticated() {
		t.Error("Restored session should authenticate using persisted expiry")
	}

	snap := restarted.Snapshot()
	if snap == nil || snap.TokenType != constants.TokenTypeBearer || !snap.Expiry.Equal(clock.now.Add(time.Hour)) {
		t.Errorf("Unexpected snapshot %+v", snap)
	}

	if err := restarted.ClearTokens(ctx); err != nil {
		t.Fatalf("ClearTokens failed: %v", err)
	}
	if _, err := backend.Load(ctx, constants.AccessTokenKey); !errors.Is(err, storage.ErrStorageNotFound) {
		t.Errorf("Expected persisted access token to be deleted, got %v", err)
	}

	empty := NewStore(WithPersistence(backend))
	if err := empty.Restore(ctx); err != nil {
		t.Errorf("Restoring an empty backend should succeed, got %v", err)
	}
	if empty.AccessToken() != "" {
		t.Error("Expected no session after empty restore")
	}
}

func TestStorePersistenceFailureKeepsMemoryState(t *testing.T) {
	store := NewStore(WithPersistence(&failingStore{MemoryStore: storage.NewMemoryStore()}))

	err := store.SetTokens(context.Background(), "tok1", "ref1", time.Hour)
	if !errors.Is(err, storage.ErrStoragePermission) {
		t.Fatalf("Expected persistence error, got %v", err)
	}
	if store.AccessToken() != "tok1" {
		t.Error("In-memory state should be updated despite persistence failure")
	}
}

func TestStoreConcurrentWritesStayOrdered(t *testing.T) {
	ctx := context.Background()
	persisted := storage.NewMemoryStore()
	store := NewStore(WithPersistence(persisted))

	var mu sync.Mutex
	var last string
	store.Subscribe(func(access string) {
		mu.Lock()
		last = access
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = store.ClearTokens(ctx)
				return
			}
			_ = store.SetTokens(ctx, fmt.Sprintf("tok-%d", i), "ref", time.Hour)
		}(i)
	}
	wg.Wait()

	current := store.AccessToken()
	mu.Lock()
	published := last
	mu.Unlock()
	if published != current {
		t.Errorf("Subscribers last saw %q, store holds %q", published, current)
	}

	saved, err := persisted.Load(ctx, constants.AccessTokenKey)
	if errors.Is(err, storage.ErrStorageNotFound) {
		saved = ""
	} else if err != nil {
		t.Fatal(err)
	}
	if saved != current {
		t.Errorf("Persisted %q, store holds %q", saved, current)
	}
}
