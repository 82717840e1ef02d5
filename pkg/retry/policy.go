// Package retry executes operations with category-specific exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"time"

	"github.com/d-kuro/authkit/pkg/httperr"
)

// Category is the usage class of an operation.
type Category string

const (
	CategoryAnalysis    Category = "analysis"
	CategoryUpload      Category = "upload"
	CategoryCRUD        Category = "crud"
	CategoryListing     Category = "listing"
	CategoryAuth        Category = "auth"
	CategoryExternalAPI Category = "external_api"
	CategoryRealtime    Category = "realtime"
	CategoryBackground  Category = "background"
	CategoryCritical    Category = "critical"
)

// Categories lists every built-in category.
func Categories() []Category {
	return []Category{
		CategoryAnalysis,
		CategoryUpload,
		CategoryCRUD,
		CategoryListing,
		CategoryAuth,
		CategoryExternalAPI,
		CategoryRealtime,
		CategoryBackground,
		CategoryCritical,
	}
}

// Predicate decides whether a failed attempt may be retried.
type Predicate func(err error) bool

// Policy configures retries for one category.
// MaxRetries is the total number of invocations, including the first.
type Policy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	ShouldRetry       Predicate
}

func (p Policy) shouldRetry(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return DefaultShouldRetry(err)
}

// DefaultPolicies returns a fresh copy of the built-in policy table.
func DefaultPolicies() map[Category]Policy {
	return map[Category]Policy{
		CategoryAnalysis: {
			MaxRetries: 5, InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, BackoffMultiplier: 2,
			ShouldRetry: analysisShouldRetry,
		},
		CategoryUpload: {
			MaxRetries: 3, InitialDelay: 2 * time.Second, MaxDelay: 20 * time.Second, BackoffMultiplier: 2,
			ShouldRetry: uploadShouldRetry,
		},
		CategoryCRUD: {
			MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 2,
		},
		CategoryListing: {
			MaxRetries: 2, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, BackoffMultiplier: 1.5,
		},
		CategoryAuth: {
			MaxRetries: 2, InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 2,
			ShouldRetry: authShouldRetry,
		},
		CategoryExternalAPI: {
			MaxRetries: 4, InitialDelay: 2 * time.Second, MaxDelay: 60 * time.Second, BackoffMultiplier: 2,
			ShouldRetry: externalAPIShouldRetry,
		},
		CategoryRealtime: {
			MaxRetries: 10, InitialDelay: time.Second, MaxDelay: 30 * time.Second, BackoffMultiplier: 1.5,
		},
		CategoryBackground: {
			MaxRetries: 3, InitialDelay: 5 * time.Second, MaxDelay: 60 * time.Second, BackoffMultiplier: 2,
		},
		CategoryCritical: {
			MaxRetries: 5, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffMultiplier: 2,
			ShouldRetry: criticalShouldRetry,
		},
	}
}

// Delay returns the wait before the attempt following attempt (1-based).
//
// The jitter factor is 1 + 0.25*(rnd-0.5) for rnd in [0,1), so the delay moves at
// most 12.5% either side of the exponential curve. The result never exceeds MaxDelay.
func Delay(p Policy, attempt int, rnd float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	jitter := 1 + 0.25*(rnd-0.5)
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1)) * jitter
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// DefaultShouldRetry retries 5xx, 429, 408, timeouts and network failures.
func DefaultShouldRetry(err error) bool {
	if isCancelled(err) {
		return false
	}
	switch httperr.KindOf(err) {
	case httperr.KindServer, httperr.KindRateLimited, httperr.KindTimeout, httperr.KindNetwork:
		return true
	case httperr.KindUnknown:
		return isNetworkError(err)
	default:
		return false
	}
}

func analysisShouldRetry(err error) bool {
	if isCancelled(err) {
		return false
	}
	switch httperr.KindOf(err) {
	case httperr.KindServer, httperr.KindTimeout, httperr.KindNetwork:
		return true
	case httperr.KindUnknown:
		return isNetworkError(err)
	default:
		return false
	}
}

func uploadShouldRetry(err error) bool {
	if isCancelled(err) {
		return false
	}
	switch httperr.KindOf(err) {
	case httperr.KindServer, httperr.KindTimeout, httperr.KindPayloadTooLarge:
		return true
	case httperr.KindUnknown:
		return isTimeout(err)
	default:
		return false
	}
}

func authShouldRetry(err error) bool {
	if status, ok := httperr.StatusOf(err); ok && (status == 401 || status == 403) {
		return false
	}
	return DefaultShouldRetry(err)
}

func externalAPIShouldRetry(err error) bool {
	if isCancelled(err) {
		return false
	}
	switch httperr.KindOf(err) {
	case httperr.KindRateLimited, httperr.KindQuotaExceeded, httperr.KindServer, httperr.KindTimeout, httperr.KindNetwork:
		return true
	case httperr.KindUnknown:
		return isNetworkError(err)
	default:
		return false
	}
}

// criticalShouldRetry retries everything except client errors other than 408 and 429.
func criticalShouldRetry(err error) bool {
	if isCancelled(err) {
		return false
	}
	if status, ok := httperr.StatusOf(err); ok && status >= 400 && status < 500 {
		return status == 408 || status == 429
	}
	return true
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
