// Package httperr classifies failed HTTP exchanges at the transport boundary.
//
// Every non-2xx response and every transport failure that reaches the rest of the
// library is turned into an *Error carrying a Kind, so that downstream decisions
// (CSRF rotation, silent refresh, retry predicates) switch on the Kind instead of
// sniffing status codes and message text again.
package httperr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/d-kuro/authkit/pkg/constants"
	"github.com/d-kuro/authkit/pkg/types"
)

// Kind is the tagged variant of a failed exchange.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindCSRF
	KindForbidden
	KindQuotaExceeded
	KindRateLimited
	KindTimeout
	KindPayloadTooLarge
	KindClient
	KindServer
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindCSRF:
		return "csrf"
	case KindForbidden:
		return "forbidden"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Error is a classified HTTP failure. Status is zero for transport failures.
type Error struct {
	Kind    Kind
	Status  int
	Method  string
	URL     string
	Body    []byte
	Message string
	Err     error
}

func (e *Error) Error() string {
	target := strings.TrimSpace(e.Method + " " + e.URL)
	if e.Status == 0 {
		if e.Err != nil {
			return fmt.Sprintf("http %s: %s: %v", e.Kind, target, e.Err)
		}
		return fmt.Sprintf("http %s: %s", e.Kind, target)
	}
	if e.Message != "" {
		return fmt.Sprintf("http %d (%s): %s: %s", e.Status, e.Kind, target, e.Message)
	}
	return fmt.Sprintf("http %d (%s): %s", e.Status, e.Kind, target)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure shape is one of the transient kinds.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindServer, KindTimeout, KindRateLimited, KindNetwork:
		return true
	}
	return false
}

// FromResponse classifies a non-2xx response. body is the (already read) response
// body; it is kept on the error verbatim, capped at MaxErrorBodySize.
func FromResponse(resp *http.Response, body []byte) *Error {
	e := &Error{Status: resp.StatusCode}
	if resp.Request != nil {
		e.Method = resp.Request.Method
		if resp.Request.URL != nil {
			e.URL = resp.Request.URL.String()
		}
	}
	if len(body) > constants.MaxErrorBodySize {
		body = body[:constants.MaxErrorBodySize]
	}
	e.Body = body
	e.Message = extractMessage(body)
	e.Kind = classifyStatus(resp.StatusCode, e.Message, body)
	return e
}

// ReadResponse drains and closes resp.Body and returns the classified error.
func ReadResponse(resp *http.Response) *Error {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxErrorBodySize))
	e := FromResponse(resp, body)
	if err != nil {
		e.Err = fmt.Errorf("failed to read error body: %w", err)
	}
	return e
}

// FromTransport classifies an error returned by http.Client.Do or a RoundTripper.
func FromTransport(req *http.Request, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	e := &Error{Kind: KindNetwork, Err: err}
	if req != nil {
		e.Method = req.Method
		if req.URL != nil {
			e.URL = req.URL.String()
		}
	}
	if isTimeout(err) {
		e.Kind = KindTimeout
	}
	return e
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status of the first *Error in err's chain.
func StatusOf(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status, true
	}
	return 0, false
}

func classifyStatus(status int, message string, body []byte) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		switch {
		case matchesVocabulary(message, body, constants.CSRFErrorVocabulary):
			return KindCSRF
		case matchesVocabulary(message, body, constants.QuotaErrorVocabulary):
			return KindQuotaExceeded
		default:
			return KindForbidden
		}
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status == http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	case status >= http.StatusInternalServerError:
		return KindServer
	case status >= http.StatusBadRequest:
		return KindClient
	default:
		return KindUnknown
	}
}

// matchesVocabulary checks the decoded message first and falls back to the raw
// body, since some servers answer with plain text.
func matchesVocabulary(message string, body []byte, vocabulary []string) bool {
	candidates := []string{strings.ToLower(message)}
	if len(body) > 0 && message == "" {
		candidates = append(candidates, strings.ToLower(string(body)))
	}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		for _, word := range vocabulary {
			if strings.Contains(candidate, word) {
				return true
			}
		}
	}
	return false
}

func extractMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var envelope types.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	parts := make([]string, 0, 3)
	for _, part := range []string{envelope.Message, envelope.Error, envelope.Code} {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, ": ")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	return false
}
