package observability

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMetricsTracksCalls(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("saga.Run")
	time.Sleep(1 * time.Millisecond)
	span.End(nil)

	span = metrics.Start("saga.Run")
	span.End(errors.New("fail"))

	snap := metrics.Snapshot()
	stats := snap.Methods["saga.Run"]
	if stats.Count != 2 {
		t.Fatalf("expected 2 calls, got %d", stats.Count)
	}
	if stats.Errors != 1 {
		t.Fatalf("expected 1 error, got %d", stats.Errors)
	}
	if stats.InFlight != 0 {
		t.Fatalf("expected 0 inflight, got %d", stats.InFlight)
	}
	if snap.TotalRequests != 2 || snap.TotalErrors != 1 {
		t.Fatalf("unexpected totals: %+v", snap)
	}
}

func TestMetricsCountsSagaOutcomes(t *testing.T) {
	metrics := NewMetrics()
	metrics.CountSagaOutcome("checkout", "completed")
	metrics.CountSagaOutcome("checkout", "completed")
	metrics.CountSagaOutcome("checkout", "compensated")
	metrics.CountSagaOutcome("refund", "failed")

	snap := metrics.Snapshot()
	checkout := snap.Sagas["checkout"]
	if checkout.Completed != 2 || checkout.Compensated != 1 || checkout.Failed != 0 {
		t.Fatalf("checkout = %+v", checkout)
	}
	if snap.Sagas["refund"].Failed != 1 {
		t.Fatalf("refund = %+v", snap.Sagas["refund"])
	}
}

func TestMetricsCountsGuardrailAndWebhook(t *testing.T) {
	metrics := NewMetrics()
	metrics.CountNotificationSkip("skipped_duplicate")
	metrics.CountNotificationSkip("skipped_duplicate")
	metrics.CountNotificationSkip("skipped_rate_limited")
	metrics.CountWebhookDeadLetter()
	metrics.CountPaymentRetry()

	snap := metrics.Snapshot()
	if snap.NotificationsSkipped["skipped_duplicate"] != 2 {
		t.Fatalf("duplicates = %d, want 2", snap.NotificationsSkipped["skipped_duplicate"])
	}
	if snap.NotificationsSkipped["skipped_rate_limited"] != 1 {
		t.Fatalf("rate limited = %d, want 1", snap.NotificationsSkipped["skipped_rate_limited"])
	}
	if snap.WebhookDeadLetters != 1 {
		t.Fatalf("dead letters = %d, want 1", snap.WebhookDeadLetters)
	}
	if snap.PaymentRetries != 1 {
		t.Fatalf("payment retries = %d, want 1", snap.PaymentRetries)
	}
}

func TestMetricsMarkShutdown(t *testing.T) {
	metrics := NewMetrics()
	metrics.MarkShutdown(5)
	snap := metrics.Snapshot()
	if snap.Lifecycle == nil {
		t.Fatalf("expected lifecycle snapshot")
	}
	if snap.Lifecycle.InFlightAtShutdown != 5 {
		t.Fatalf("expected inflight 5, got %d", snap.Lifecycle.InFlightAtShutdown)
	}
	if snap.Lifecycle.ShutdownAt.IsZero() {
		t.Fatalf("expected shutdown timestamp")
	}
}

func TestHandlerReturnsJSON(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("/test")
	span.End(errors.New("fail"))
	metrics.CountSagaOutcome("checkout", "completed")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	Handler(metrics).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if snap.TotalErrors != 1 {
		t.Fatalf("expected total errors 1, got %d", snap.TotalErrors)
	}
	if snap.Sagas["checkout"].Completed != 1 {
		t.Fatalf("expected checkout completion in snapshot")
	}
}

func TestMetricsNilSafePaths(t *testing.T) {
	var m *Metrics
	span := m.Start("ignored") // nil-safe
	span.End(nil)              // should not panic

	m.CountSagaOutcome("checkout", "completed")
	m.CountNotificationSkip("skipped_duplicate")
	m.CountWebhookDeadLetter()
	m.CountPaymentRetry()
	m.MarkShutdown(10)
}
