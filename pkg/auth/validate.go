package auth

import (
	"fmt"
	"strings"

	"github.com/d-kuro/authkit/pkg/constants"
	"github.com/d-kuro/authkit/pkg/types"
)

// validateTokenResponse validates the structure and content of tokens issued by the backend.
func validateTokenResponse(resp *types.TokenResponse) error {
	if resp == nil {
		return fmt.Errorf("token response is nil")
	}

	if err := validateTokenString("access", resp.AccessToken); err != nil {
		return err
	}

	// If refresh token exists, validate it too
	if resp.RefreshToken != "" {
		if err := validateTokenString("refresh", resp.RefreshToken); err != nil {
			return err
		}
	}

	if resp.ExpiresIn < 0 {
		return fmt.Errorf("expiresIn is negative")
	}
	return nil
}

func validateTokenString(kind, token string) error {
	if token == "" {
		return fmt.Errorf("%s token is empty", kind)
	}

	// Check token format (basic validation)
	if len(token) < constants.MinTokenLength {
		return fmt.Errorf("%s token too short", kind)
	}

	if len(token) > constants.MaxTokenLength {
		return fmt.Errorf("%s token too long", kind)
	}

	// Check if token contains suspicious characters
	if strings.ContainsAny(token, "\x00\r\n ") {
		return fmt.Errorf("%s token contains invalid characters", kind)
	}
	return nil
}
