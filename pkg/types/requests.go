// Package types provides the wire structures exchanged with the dashboard backend's
// authentication endpoints.
package types

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// SocialCallbackRequest forwards an OAuth2 authorization code to the backend,
// which performs the provider exchange and issues a session token pair.
type SocialCallbackRequest struct {
	Provider     string `json:"provider"`
	Code         string `json:"code"`
	State        string `json:"state"`
	RedirectURI  string `json:"redirectUri"`
	CodeVerifier string `json:"codeVerifier,omitempty"`
}
