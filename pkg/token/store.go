package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/d-kuro/authkit/pkg/constants"
	"github.com/d-kuro/authkit/pkg/storage"
)

// Store holds the current session token pair.
//
// The access token most recently passed to SetTokens is the only one the store
// reports; readers never see a replaced token again. Every change is published
// to subscribers and, when a CredentialStore is configured, persisted so a
// restarted process can Restore the session.
type Store struct {
	// writeMu serializes writers so that subscribers and persistence see
	// changes in the same order as memory. Subscribers must not write.
	writeMu sync.Mutex

	mu        sync.RWMutex
	access    string
	refresh   string
	expiresAt time.Time

	subMu       sync.Mutex
	subscribers map[int]func(string)
	nextSubID   int

	persist storage.CredentialStore
	codec   *Codec
	now     func() time.Time
	logger  *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPersistence persists tokens to the given credential store.
func WithPersistence(cs storage.CredentialStore) StoreOption {
	return func(s *Store) {
		s.persist = cs
	}
}

// WithCodec sets the codec used for claim-based expiry checks.
func WithCodec(c *Codec) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates an empty token store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		subscribers: make(map[int]func(string)),
		codec:       NewCodec(),
		now:         time.Now,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Codec returns the codec used by the store.
func (s *Store) Codec() *Codec {
	return s.codec
}

// SetTokens replaces the current access token.
//
// A positive expiresIn sets the absolute expiry to now+expiresIn; otherwise the
// expiry is read from the token's exp claim when it has one. A non-empty refresh
// replaces the refresh token. The in-memory state is updated before persistence
// is attempted, so a persistence error leaves a usable session behind.
func (s *Store) SetTokens(ctx context.Context, access, refresh string, expiresIn time.Duration) error {
	if access == "" {
		return errors.New("access token cannot be empty")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var expiresAt time.Time
	if expiresIn > 0 {
		expiresAt = s.now().Add(expiresIn)
	} else if claims, err := s.codec.Decode(access); err == nil {
		expiresAt = claims.ExpiresAt()
	}

	s.mu.Lock()
	s.access = access
	if refresh != "" {
		s.refresh = refresh
	}
	s.expiresAt = expiresAt
	currentRefresh := s.refresh
	s.mu.Unlock()

	s.logger.Debug("session tokens replaced",
		"access_len", len(access),
		"has_refresh", currentRefresh != "",
		"expires_at", expiresAt)

	s.publish(access)
	return s.save(ctx, access, currentRefresh, expiresAt)
}

// AccessToken returns the current access token, or "" when absent.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshToken returns the current refresh token, or "" when absent.
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// ExpiresAt returns the absolute expiry of the access token, or the zero time
// when it is unknown.
func (s *Store) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// ClearTokens wipes the session and publishes "".
func (s *Store) ClearTokens(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	hadSession := s.access != "" || s.refresh != ""
	s.access = ""
	s.refresh = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()

	if hadSession {
		s.logger.Debug("session tokens cleared")
	}
	s.publish("")

	if s.persist == nil {
		return nil
	}
	var errs []error
	for _, key := range []string{constants.AccessTokenKey, constants.RefreshTokenKey, constants.ExpiresAtKey} {
		if err := s.persist.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to clear persisted session: %w", err)
	}
	return nil
}

// IsAuthenticated reports whether an access token is present and not expired.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	access, expiresAt := s.access, s.expiresAt
	s.mu.RUnlock()

	if access == "" {
		return false
	}
	now := s.now()
	if !expiresAt.IsZero() {
		return now.Before(expiresAt)
	}
	return !s.codec.IsExpired(access, now)
}

// NeedsRefresh reports whether the access token is absent or expires within buffer.
func (s *Store) NeedsRefresh(buffer time.Duration) bool {
	s.mu.RLock()
	access, expiresAt := s.access, s.expiresAt
	s.mu.RUnlock()

	if access == "" {
		return true
	}
	now := s.now()
	if !expiresAt.IsZero() {
		return expiresAt.Sub(now) <= buffer
	}
	return s.codec.ShouldRefresh(access, now, buffer)
}

// Claims decodes the current access token.
func (s *Store) Claims() (*Claims, error) {
	access := s.AccessToken()
	if access == "" {
		return nil, &DecodeError{Err: errors.New("no access token")}
	}
	return s.codec.Decode(access)
}

// Snapshot returns the session as an oauth2.Token, or nil when there is none.
func (s *Store) Snapshot() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.access == "" && s.refresh == "" {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  s.access,
		RefreshToken: s.refresh,
		TokenType:    constants.TokenTypeBearer,
		Expiry:       s.expiresAt,
	}
}

// Subscribe registers fn to receive every new access token ("" on clear).
// The returned function removes the subscription.
func (s *Store) Subscribe(fn func(access string)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// Restore loads a previously persisted session. A missing session is not an error.
func (s *Store) Restore(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}

	access, err := s.load(ctx, constants.AccessTokenKey)
	if err != nil {
		return err
	}
	refresh, err := s.load(ctx, constants.RefreshTokenKey)
	if err != nil {
		return err
	}
	rawExpiry, err := s.load(ctx, constants.ExpiresAtKey)
	if err != nil {
		return err
	}
	if access == "" && refresh == "" {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var expiresAt time.Time
	if rawExpiry != "" {
		if unix, parseErr := strconv.ParseInt(rawExpiry, 10, 64); parseErr == nil {
			expiresAt = time.Unix(unix, 0)
		}
	}
	if expiresAt.IsZero() && access != "" {
		if claims, decodeErr := s.codec.Decode(access); decodeErr == nil {
			expiresAt = claims.ExpiresAt()
		}
	}

	s.mu.Lock()
	s.access = access
	s.refresh = refresh
	s.expiresAt = expiresAt
	s.mu.Unlock()

	s.logger.Debug("session restored",
		"location", s.persist.GetStoragePath(),
		"has_access", access != "",
		"has_refresh", refresh != "")

	s.publish(access)
	return nil
}

func (s *Store) load(ctx context.Context, key string) (string, error) {
	value, err := s.persist.Load(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrStorageNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to restore %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) save(ctx context.Context, access, refresh string, expiresAt time.Time) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.Store(ctx, constants.AccessTokenKey, access); err != nil {
		return fmt.Errorf("failed to persist access token: %w", err)
	}
	if refresh != "" {
		if err := s.persist.Store(ctx, constants.RefreshTokenKey, refresh); err != nil {
			return fmt.Errorf("failed to persist refresh token: %w", err)
		}
	}
	if expiresAt.IsZero() {
		if err := s.persist.Delete(ctx, constants.ExpiresAtKey); err != nil {
			return fmt.Errorf("failed to persist token expiry: %w", err)
		}
		return nil
	}
	if err := s.persist.Store(ctx, constants.ExpiresAtKey, strconv.FormatInt(expiresAt.Unix(), 10)); err != nil {
		return fmt.Errorf("failed to persist token expiry: %w", err)
	}
	return nil
}

func (s *Store) publish(access string) {
	s.subMu.Lock()
	fns := make([]func(string), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(access)
	}
}
