package types

import "time"

// TokenResponse is returned by login, register, refresh and the social callback.
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"` // seconds
	TokenType    string `json:"tokenType,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// ExpiresInDuration converts ExpiresIn to a duration; zero means the server did not say.
func (r *TokenResponse) ExpiresInDuration() time.Duration {
	if r == nil || r.ExpiresIn <= 0 {
		return 0
	}
	return time.Duration(r.ExpiresIn) * time.Second
}

// User is the optional profile block attached to token responses.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email,omitempty"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// LogoutResponse is returned by POST /auth/logout.
type LogoutResponse struct {
	Success bool `json:"success"`
}

// CSRFTokenResponse is returned by GET /auth/csrf-token.
type CSRFTokenResponse struct {
	CSRFToken string `json:"csrfToken"`
}

// ErrorResponse is the error envelope used by the backend. Not every field is
// always present.
type ErrorResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}
