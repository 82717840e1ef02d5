// Package telemetry exports retry and refresh activity as OpenTelemetry metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/d-kuro/authkit/pkg/httperr"
	"github.com/d-kuro/authkit/pkg/retry"
)

// ScopeName is the instrumentation scope used when a meter is built from a provider.
const ScopeName = "github.com/d-kuro/authkit"

var ErrNilMeter = errors.New("nil meter")

// Recorder implements retry.Observer and auth.RefreshObserver.
type Recorder struct {
	attempts        metric.Int64Counter
	retryDelay      metric.Float64Histogram
	refreshes       metric.Int64Counter
	refreshDuration metric.Float64Histogram
}

// NewRecorder creates the instruments on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}

	attempts, err := meter.Int64Counter("authkit_request_attempts_total",
		metric.WithDescription("Request attempts made by the retry engine."))
	if err != nil {
		return nil, fmt.Errorf("create attempts counter: %w", err)
	}
	retryDelay, err := meter.Float64Histogram("authkit_retry_delay_seconds",
		metric.WithDescription("Backoff waited before a retry."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create retry delay histogram: %w", err)
	}
	refreshes, err := meter.Int64Counter("authkit_token_refresh_total",
		metric.WithDescription("Token refresh outcomes."))
	if err != nil {
		return nil, fmt.Errorf("create refresh counter: %w", err)
	}
	refreshDuration, err := meter.Float64Histogram("authkit_token_refresh_duration_seconds",
		metric.WithDescription("Time a caller spent waiting for a token refresh."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create refresh duration histogram: %w", err)
	}

	return &Recorder{
		attempts:        attempts,
		retryDelay:      retryDelay,
		refreshes:       refreshes,
		refreshDuration: refreshDuration,
	}, nil
}

// ObserveAttempt implements retry.Observer.
func (r *Recorder) ObserveAttempt(ctx context.Context, a retry.Attempt) {
	outcome := "success"
	switch {
	case a.Err == nil:
	case a.WillRetry:
		outcome = "retry"
	default:
		outcome = "failure"
	}

	attrs := metric.WithAttributes(
		attribute.String("category", string(a.Category)),
		attribute.String("outcome", outcome),
		attribute.String("error_kind", errorKind(a.Err)),
	)
	r.attempts.Add(ctx, 1, attrs)

	if a.WillRetry {
		r.retryDelay.Record(ctx, a.Delay.Seconds(),
			metric.WithAttributes(attribute.String("category", string(a.Category))))
	}
}

// ObserveRefresh implements auth.RefreshObserver.
func (r *Recorder) ObserveRefresh(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	r.refreshes.Add(ctx, 1, attrs)
	r.refreshDuration.Record(ctx, duration.Seconds(), attrs)
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return httperr.KindOf(err).String()
}
