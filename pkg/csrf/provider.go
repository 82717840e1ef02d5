// Package csrf supplies anti-forgery tokens for state-changing requests.
//
// A Provider moves through Empty, Fetching and Ready. Concurrent callers that
// arrive while a fetch is running share that fetch; a rejected token sends the
// provider back to Empty.
package csrf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/d-kuro/authkit/pkg/constants"
)

// ErrFetchFailed wraps every failure to obtain a token.
var ErrFetchFailed = errors.New("csrf token fetch failed")

// State is the provider's cache state.
type State int

const (
	StateEmpty State = iota
	StateFetching
	StateReady
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateReady:
		return "ready"
	default:
		return "empty"
	}
}

// Fetcher obtains a fresh token from the server.
type Fetcher interface {
	FetchCSRFToken(ctx context.Context) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (string, error)

// FetchCSRFToken implements Fetcher.
func (f FetcherFunc) FetchCSRFToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// Option configures a Provider.
type Option func(*Provider)

// WithFetchTimeout bounds a single fetch. Defaults to constants.CSRFFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithExemptPaths replaces the set of mutating endpoints that never need a token.
func WithExemptPaths(paths ...string) Option {
	return func(p *Provider) {
		p.exempt = slices.Clone(paths)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Provider caches one CSRF token per session.
type Provider struct {
	fetcher Fetcher
	group   singleflight.Group

	mu         sync.Mutex
	token      string
	generation uint64
	// waiting counts callers blocked on a fetch; fetching counts running fetches.
	waiting  int
	fetching int

	timeout time.Duration
	exempt  []string
	logger  *slog.Logger
}

// NewProvider creates a provider in StateEmpty.
func NewProvider(fetcher Fetcher, opts ...Option) *Provider {
	p := &Provider{
		fetcher: fetcher,
		timeout: constants.CSRFFetchTimeout,
		exempt:  slices.Clone(constants.CSRFExemptPaths),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetToken returns the cached token, joins the running fetch, or starts one.
//
// The fetch itself is detached from ctx: a caller that gives up stops waiting,
// but the fetch completes for everyone else.
func (p *Provider) GetToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.token != "" {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	gen := p.generation
	p.waiting++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
	}()

	ch := p.group.DoChan(flightKey(gen), func() (any, error) {
		return p.fetch(ctx, gen)
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

// Refresh discards the cached token and fetches a new one.
func (p *Provider) Refresh(ctx context.Context) (string, error) {
	p.Invalidate()
	return p.GetToken(ctx)
}

// Invalidate discards the cached token. A fetch that is already running will
// not repopulate the cache.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.generation++
	p.mu.Unlock()
}

// Cached returns the cached token without fetching.
func (p *Provider) Cached() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token, p.token != ""
}

// State reports the cache state. It is StateFetching from the moment a caller
// asks for a missing token until the fetch completes or every caller stops
// waiting.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.token != "":
		return StateReady
	case p.fetching > 0 || p.waiting > 0:
		return StateFetching
	default:
		return StateEmpty
	}
}

// NeedsProtection reports whether a request must carry a token.
func (p *Provider) NeedsProtection(method, rawURL string) bool {
	return needsProtection(method, rawURL, p.exempt)
}

// NeedsProtection reports whether a request must carry a token, using the
// default exempt endpoints.
func NeedsProtection(method, rawURL string) bool {
	return needsProtection(method, rawURL, constants.CSRFExemptPaths)
}

func (p *Provider) fetch(callerCtx context.Context, gen uint64) (string, error) {
	p.mu.Lock()
	if p.token != "" && p.generation == gen {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	p.fetching++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.fetching--
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(callerCtx), p.timeout)
	defer cancel()

	start := time.Now()
	token, err := p.fetcher.FetchCSRFToken(ctx)
	if err == nil && token == "" {
		err = errors.New("server returned an empty token")
	}
	if err != nil {
		p.logger.Warn("csrf token fetch failed", "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	p.mu.Lock()
	stale := p.generation != gen
	if !stale {
		p.token = token
	}
	p.mu.Unlock()

	p.logger.Debug("csrf token fetched", "duration", time.Since(start), "stale", stale)
	return token, nil
}

func flightKey(gen uint64) string {
	return "csrf:" + strconv.FormatUint(gen, 10)
}

func needsProtection(method, rawURL string, exempt []string) bool {
	if !slices.Contains(constants.MutatingMethods, strings.ToUpper(method)) {
		return false
	}
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	path = strings.TrimSuffix(path, "/")
	for _, e := range exempt {
		if strings.HasSuffix(path, e) {
			return false
		}
	}
	return true
}
