package csrf

import (
	"fmt"
	"strings"
)

// FailurePolicy decides what happens to a protected request when no token can
// be obtained.
type FailurePolicy int

const (
	// FailClosed fails the outer request.
	FailClosed FailurePolicy = iota
	// ProceedWithoutToken sends the request without the header.
	ProceedWithoutToken
)

func (f FailurePolicy) String() string {
	switch f {
	case ProceedWithoutToken:
		return "proceed"
	default:
		return "fail"
	}
}

// ParseFailurePolicy accepts "fail" or "proceed".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail", "fail_closed", "":
		return FailClosed, nil
	case "proceed", "proceed_without_token":
		return ProceedWithoutToken, nil
	default:
		return FailClosed, fmt.Errorf("unknown csrf failure policy %q", s)
	}
}

// Policies holds the failure policy per endpoint class.
type Policies struct {
	// Auth applies to login, register, refresh and the social callback.
	Auth FailurePolicy
	// Default applies to every other protected endpoint.
	Default FailurePolicy
}

// DefaultPolicies blocks authentication requests and degrades everything else.
func DefaultPolicies() Policies {
	return Policies{Auth: FailClosed, Default: ProceedWithoutToken}
}

// For returns the policy for a request, given whether it targets an auth endpoint.
func (p Policies) For(authEndpoint bool) FailurePolicy {
	if authEndpoint {
		return p.Auth
	}
	return p.Default
}
