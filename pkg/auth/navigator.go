package auth

import (
	"context"
	"log/slog"
)

// Navigator moves the user to a login or unauthorized surface. Front ends
// supply their own; the default only logs.
type Navigator interface {
	// ToLogin is called after a forced logout. returnURL may be empty.
	ToLogin(ctx context.Context, returnURL string)
	// ToUnauthorized is called when the server denies a request on role grounds.
	ToUnauthorized(ctx context.Context)
}

// LogNavigator logs navigation requests.
type LogNavigator struct {
	Logger *slog.Logger
}

// ToLogin implements Navigator.
func (n LogNavigator) ToLogin(ctx context.Context, returnURL string) {
	n.logger().InfoContext(ctx, "session expired, login required", "return_url", returnURL)
}

// ToUnauthorized implements Navigator.
func (n LogNavigator) ToUnauthorized(ctx context.Context) {
	n.logger().WarnContext(ctx, "request denied by server")
}

func (n LogNavigator) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return n.Logger
}

// NavigatorFuncs adapts plain functions to Navigator. Nil fields are ignored.
type NavigatorFuncs struct {
	Login        func(ctx context.Context, returnURL string)
	Unauthorized func(ctx context.Context)
}

// ToLogin implements Navigator.
func (n NavigatorFuncs) ToLogin(ctx context.Context, returnURL string) {
	if n.Login != nil {
		n.Login(ctx, returnURL)
	}
}

// ToUnauthorized implements Navigator.
func (n NavigatorFuncs) ToUnauthorized(ctx context.Context) {
	if n.Unauthorized != nil {
		n.Unauthorized(ctx)
	}
}

type returnURLKey struct{}

// WithReturnURL records where the user should land after logging in again.
func WithReturnURL(ctx context.Context, returnURL string) context.Context {
	return context.WithValue(ctx, returnURLKey{}, returnURL)
}

// ReturnURL returns the URL set with WithReturnURL.
func ReturnURL(ctx context.Context) string {
	s, _ := ctx.Value(returnURLKey{}).(string)
	return s
}
