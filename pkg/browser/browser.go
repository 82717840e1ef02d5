// Package browser runs the social login loopback: it opens the provider's
// consent page and captures the authorization code on a local callback server.
// The code is handed back to the caller for the backend to exchange; no
// provider token ever reaches this process.
package browser

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/d-kuro/authkit/pkg/constants"
	"github.com/d-kuro/authkit/pkg/types"
)

const callbackPath = "/oauth2callback"

// ErrStateMismatch is returned when the callback's state does not match.
var ErrStateMismatch = errors.New("state mismatch, possible CSRF attack")

// AuthResult represents the result of browser authentication.
type AuthResult struct {
	Callback *types.SocialCallbackRequest
	Error    error
}

// Option configures a BrowserAuth.
type Option func(*BrowserAuth)

// WithOpener replaces the function that opens the consent URL.
func WithOpener(open func(url string) error) Option {
	return func(ba *BrowserAuth) {
		if open != nil {
			ba.open = open
		}
	}
}

// WithOutput sets where user-facing instructions are written. Defaults to stderr.
func WithOutput(w io.Writer) Option {
	return func(ba *BrowserAuth) {
		if w != nil {
			ba.out = w
		}
	}
}

// WithTimeout bounds the wait for the callback. Defaults to constants.AuthTimeout.
func WithTimeout(d time.Duration) Option {
	return func(ba *BrowserAuth) {
		if d > 0 {
			ba.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ba *BrowserAuth) {
		if logger != nil {
			ba.logger = logger
		}
	}
}

// BrowserAuth handles one social login through the user's browser.
type BrowserAuth struct {
	provider string
	config   *oauth2.Config
	state    string
	verifier string
	server   *http.Server

	open    func(url string) error
	out     io.Writer
	timeout time.Duration
	logger  *slog.Logger
}

// NewBrowserAuth creates a browser authentication handler for provider.
// config is copied; its RedirectURL is set to the loopback address.
func NewBrowserAuth(provider string, config *oauth2.Config, opts ...Option) *BrowserAuth {
	cfg := *config
	ba := &BrowserAuth{
		provider: provider,
		config:   &cfg,
		state:    uuid.NewString(),
		verifier: oauth2.GenerateVerifier(),
		open:     openBrowser,
		out:      os.Stderr,
		timeout:  constants.AuthTimeout,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(ba)
	}
	return ba
}

// Authenticate opens the consent page and waits for the provider to redirect
// back. The returned request is ready to be posted to the backend.
func (ba *BrowserAuth) Authenticate(ctx context.Context) (*types.SocialCallbackRequest, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to open callback listener: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	ba.config.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d%s", port, callbackPath)
	authURL := ba.AuthCodeURL()

	resultChan := make(chan AuthResult, 1)
	ba.startServer(listener, resultChan)
	defer ba.shutdown()

	_, _ = fmt.Fprintf(ba.out, "\nSign in with %s.\n", ba.provider)
	_, _ = fmt.Fprintf(ba.out, "Opening the sign-in page in your browser...\n")
	_, _ = fmt.Fprintf(ba.out, "If the browser doesn't open automatically, visit:\n\n%s\n\n", authURL)

	if err := ba.open(authURL); err != nil {
		_, _ = fmt.Fprintf(ba.out, "Failed to open browser automatically: %v\n", err)
	}
	ba.logger.DebugContext(ctx, "waiting for oauth callback", "provider", ba.provider, "redirect_uri", ba.config.RedirectURL)

	timer := time.NewTimer(ba.timeout)
	defer timer.Stop()

	select {
	case result := <-resultChan:
		if result.Error != nil {
			return nil, result.Error
		}
		return result.Callback, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("authentication timeout after %v", ba.timeout)
	}
}

// AuthCodeURL returns the provider consent URL with state and PKCE challenge.
func (ba *BrowserAuth) AuthCodeURL() string {
	return ba.config.AuthCodeURL(ba.state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(ba.verifier))
}

// startServer serves the callback on listener.
func (ba *BrowserAuth) startServer(listener net.Listener, resultChan chan<- AuthResult) {
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, ba.handleCallback(resultChan))

	ba.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: constants.ResponseHeaderTimeout,
	}

	go func() {
		if err := ba.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			deliver(resultChan, AuthResult{Error: fmt.Errorf("server error: %w", err)})
		}
	}()
}

// handleCallback handles the OAuth2 callback.
func (ba *BrowserAuth) handleCallback(resultChan chan<- AuthResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if errMsg := query.Get("error"); errMsg != "" {
			deliver(resultChan, AuthResult{Error: fmt.Errorf("authentication error: %s", errMsg)})
			writePage(w, http.StatusUnauthorized, "Sign-in failed", "You can close this window and try again.")
			return
		}

		// Verify state parameter (CSRF protection)
		if state := query.Get("state"); state != ba.state {
			deliver(resultChan, AuthResult{Error: ErrStateMismatch})
			http.Error(w, "State mismatch. Possible CSRF attack", http.StatusBadRequest)
			return
		}

		code := query.Get("code")
		if code == "" {
			deliver(resultChan, AuthResult{Error: fmt.Errorf("no authorization code received")})
			http.Error(w, "No authorization code found", http.StatusBadRequest)
			return
		}

		deliver(resultChan, AuthResult{Callback: &types.SocialCallbackRequest{
			Provider:     ba.provider,
			Code:         code,
			State:        ba.state,
			RedirectURI:  ba.config.RedirectURL,
			CodeVerifier: ba.verifier,
		}})
		writePage(w, http.StatusOK, "Signed in", "You can close this window and return to the terminal.")
	}
}

// shutdown gracefully shuts down the server.
func (ba *BrowserAuth) shutdown() {
	if ba.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
		defer cancel()
		_ = ba.server.Shutdown(ctx) // Ignore error during shutdown
	}
}

// deliver keeps the first result; later callbacks are dropped.
func deliver(resultChan chan<- AuthResult, result AuthResult) {
	select {
	case resultChan <- result:
	default:
	}
}

func writePage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", constants.ContentTypeHTML+"; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<!doctype html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(title), html.EscapeString(message))
}

// openBrowser opens the given URL in the default browser.
func openBrowser(url string) error {
	var cmd string
	var args []string

	if commands, exists := constants.BrowserCommands[runtime.GOOS]; exists {
		cmd = commands[0]
		if len(commands) > 1 {
			args = commands[1:]
		}
	} else {
		// Fallback for unsupported OS
		cmd = "xdg-open"
	}
	args = append(args, url)
	return exec.Command(cmd, args...).Start()
}
