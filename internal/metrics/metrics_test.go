package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected scrape status %d", recorder.Code)
	}
	body, err := io.ReadAll(recorder.Body)
	if err != nil {
		t.Fatalf("failed to read scrape body: %v", err)
	}
	return string(body)
}

func TestMetricsExposeRecordedSeries(t *testing.T) {
	m := New()
	m.ObserveWebhook("order.create", "accepted", 15*time.Millisecond)
	m.ObserveWebhook("order.create", "duplicate", time.Millisecond)
	m.ObserveReverse("suppressed")
	m.ObserveReverseCycle()
	m.ObserveReconcile("local", "successful")
	m.ObserveNotification("telegram", "sent")
	m.ObserveHTTP("/healthz", http.MethodGet, http.StatusOK, time.Millisecond)
	m.RegisterGauge("dedup_entries", "Live deduplication entries", func() float64 { return 3 })

	body := scrape(t, m)
	expected := []string{
		`ordersync_webhook_events_total{event="order.create",outcome="accepted"} 1`,
		`ordersync_webhook_events_total{event="order.create",outcome="duplicate"} 1`,
		`ordersync_reverse_sync_orders_total{outcome="suppressed"} 1`,
		`ordersync_reverse_sync_cycles_total 1`,
		`ordersync_reconcile_orders_total{origin="local",outcome="successful"} 1`,
		`ordersync_notifications_total{channel="telegram",outcome="sent"} 1`,
		`ordersync_dedup_entries 3`,
	}
	for _, series := range expected {
		if !strings.Contains(body, series) {
			t.Fatalf("expected scrape to contain %q", series)
		}
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.ObserveWebhook("order.create", "accepted", time.Millisecond)
	m.ObserveReverse("pushed")
	m.RegisterGauge("ignored", "ignored", func() float64 { return 1 })
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found from nil metrics, got %d", recorder.Code)
	}
}
