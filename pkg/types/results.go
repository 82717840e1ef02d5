package types

import "time"

// SessionResult describes the session established by a login, register or
// social login flow.
type SessionResult struct {
	User            *User         `json:"user,omitempty"`
	Subject         string        `json:"subject,omitempty"`
	Roles           []string      `json:"roles,omitempty"`
	ExpiresAt       time.Time     `json:"expiresAt,omitempty"`
	HasRefreshToken bool          `json:"hasRefreshToken"`
	Duration        time.Duration `json:"duration"`
}

// LogoutResult describes the outcome of a logout. Local session state is always
// cleared, even when the backend call fails.
type LogoutResult struct {
	ServerConfirmed bool  `json:"serverConfirmed"`
	Err             error `json:"-"`
}
