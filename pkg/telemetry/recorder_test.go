package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/d-kuro/authkit/pkg/httperr"
	"github.com/d-kuro/authkit/pkg/retry"
)

func newTestRecorder(t *testing.T) (*Recorder, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec, err := NewRecorder(provider.Meter("authkit-test"))
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	return rec, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64], got %T", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestRecorderRejectsNilMeter(t *testing.T) {
	if _, err := NewRecorder(nil); !errors.Is(err, ErrNilMeter) {
		t.Fatalf("Expected ErrNilMeter, got %v", err)
	}
}

func TestObserveAttempt(t *testing.T) {
	rec, reader := newTestRecorder(t)
	ctx := context.Background()
	serverErr := &httperr.Error{Kind: httperr.KindServer, Status: 503}

	rec.ObserveAttempt(ctx, retry.Attempt{Category: retry.CategoryCRUD, Attempt: 1, Err: serverErr, WillRetry: true, Delay: time.Second})
	rec.ObserveAttempt(ctx, retry.Attempt{Category: retry.CategoryCRUD, Attempt: 2, Err: serverErr, WillRetry: true, Delay: 2 * time.Second})
	rec.ObserveAttempt(ctx, retry.Attempt{Category: retry.CategoryCRUD, Attempt: 3})

	metrics := collect(t, reader)
	attempts := metrics["authkit_request_attempts_total"]
	if got := sumFor(t, attempts, "outcome", "retry"); got != 2 {
		t.Errorf("Expected 2 retry attempts, got %d", got)
	}
	if got := sumFor(t, attempts, "outcome", "success"); got != 1 {
		t.Errorf("Expected 1 successful attempt, got %d", got)
	}
	if got := sumFor(t, attempts, "error_kind", "server"); got != 2 {
		t.Errorf("Expected 2 server errors, got %d", got)
	}

	hist, ok := metrics["authkit_retry_delay_seconds"].Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("Expected one retry delay series, got %#v", metrics["authkit_retry_delay_seconds"].Data)
	}
	if dp := hist.DataPoints[0]; dp.Count != 2 || dp.Sum != 3 {
		t.Errorf("Expected 2 delays summing to 3s, got count=%d sum=%v", dp.Count, dp.Sum)
	}
}

func TestObserveRefresh(t *testing.T) {
	rec, reader := newTestRecorder(t)
	ctx := context.Background()

	rec.ObserveRefresh(ctx, "success", 120*time.Millisecond)
	rec.ObserveRefresh(ctx, "shared", 0)
	rec.ObserveRefresh(ctx, "shared", 0)
	rec.ObserveRefresh(ctx, "failure", time.Second)

	refreshes := collect(t, reader)["authkit_token_refresh_total"]
	for outcome, want := range map[string]int64{"success": 1, "shared": 2, "failure": 1} {
		if got := sumFor(t, refreshes, "outcome", outcome); got != want {
			t.Errorf("outcome %s: expected %d, got %d", outcome, want, got)
		}
	}
}
