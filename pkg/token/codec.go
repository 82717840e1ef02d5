// Package token holds the session token pair and decodes bearer tokens into
// claims for client-side expiry checks. Signatures are never verified here;
// that is the server's job.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the read-only view of a decoded access token.
type Claims struct {
	Subject string
	Roles   []string
	// Expiry is seconds since the epoch. Zero means the token carries no exp claim.
	Expiry int64
	Extra  map[string]any
}

// HasRole reports whether role is among the token's roles.
func (c *Claims) HasRole(role string) bool {
	return c != nil && slices.Contains(c.Roles, role)
}

// ExpiresAt returns Expiry as a time.Time, or the zero time when unknown.
func (c *Claims) ExpiresAt() time.Time {
	if c == nil || c.Expiry == 0 {
		return time.Time{}
	}
	return time.Unix(c.Expiry, 0)
}

// DecodeError is returned when a token is not structurally a JWT.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("token decode failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Codec decodes bearer tokens without verifying them.
type Codec struct {
	parser *jwt.Parser
}

// NewCodec creates a codec.
func NewCodec() *Codec {
	return &Codec{parser: jwt.NewParser()}
}

// Decode splits token into its segments and extracts the claims from the
// payload. The header is not inspected, so any alg is accepted.
func (c *Codec) Decode(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, &DecodeError{Err: fmt.Errorf("%w: expected 3 segments, got %d", jwt.ErrTokenMalformed, len(parts))}
	}

	payload, err := c.parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: payload is not base64url: %w", jwt.ErrTokenMalformed, err)}
	}
	mapClaims := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &mapClaims); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: payload is not a JSON object: %w", jwt.ErrTokenMalformed, err)}
	}

	claims := &Claims{Extra: make(map[string]any)}
	if sub, err := mapClaims.GetSubject(); err == nil {
		claims.Subject = sub
	}
	exp, err := mapClaims.GetExpirationTime()
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if exp != nil {
		claims.Expiry = exp.Unix()
	}
	claims.Roles = collectRoles(mapClaims)

	for key, value := range mapClaims {
		switch key {
		case "sub", "exp", "roles", "role":
		default:
			claims.Extra[key] = value
		}
	}
	return claims, nil
}

// IsExpired reports whether token's expiry lies before now.
// Tokens that cannot be decoded, or that carry no exp claim, are expired.
func (c *Codec) IsExpired(token string, now time.Time) bool {
	claims, err := c.Decode(token)
	if err != nil {
		return true
	}
	return claims.Expiry < now.Unix()
}

// ShouldRefresh reports whether token expires within buffer of now.
// Tokens that cannot be decoded always need refreshing.
func (c *Codec) ShouldRefresh(token string, now time.Time, buffer time.Duration) bool {
	claims, err := c.Decode(token)
	if err != nil {
		return true
	}
	return claims.Expiry*1000-now.UnixMilli() <= buffer.Milliseconds()
}

func collectRoles(claims jwt.MapClaims) []string {
	var roles []string
	add := func(v any) {
		switch typed := v.(type) {
		case string:
			if typed != "" && !slices.Contains(roles, typed) {
				roles = append(roles, typed)
			}
		case []any:
			for _, item := range typed {
				if s, ok := item.(string); ok && s != "" && !slices.Contains(roles, s) {
					roles = append(roles, s)
				}
			}
		}
	}
	add(claims["roles"])
	add(claims["role"])
	return roles
}

// IsDecodeError reports whether err came from a failed decode.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
