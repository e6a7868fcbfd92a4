package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCronJobMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewCronJobMetrics(reg)
	job := "auto-release-delivered"
	metrics.ObserveDuration(job, 250*time.Millisecond)
	metrics.IncSuccess(job)
	metrics.IncFailure(job)
	metrics.AddProcessed(job, 3)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "tradehold_job_success", "job", job); err != nil {
		t.Fatalf("fetch success: %v", err)
	} else if got != 1 {
		t.Fatalf("expected success=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "tradehold_job_failure", "job", job); err != nil {
		t.Fatalf("fetch failure: %v", err)
	} else if got != 1 {
		t.Fatalf("expected failure=1, got %f", got)
	}

	if got, err := fetchHistogramSum(mfs, "tradehold_job_duration_seconds", "job", job); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "tradehold_job_orders_processed_total", "job", job); err != nil {
		t.Fatalf("fetch processed: %v", err)
	} else if got != 3 {
		t.Fatalf("expected processed=3, got %f", got)
	}
}

func TestCustodyMetricsExportsCallsAndRetries(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewCustodyMetrics(reg)
	metrics.ObserveCall("disburse", "ok", 120*time.Millisecond)
	metrics.IncRetry("disburse")
	metrics.IncRetry("disburse")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "tradehold_custody_call_retries_total", "operation", "disburse"); err != nil {
		t.Fatalf("fetch retries: %v", err)
	} else if got != 2 {
		t.Fatalf("expected retries=2, got %f", got)
	}

	if got, err := fetchHistogramSum(mfs, "tradehold_custody_call_duration_seconds", "outcome", "ok"); err != nil {
		t.Fatalf("fetch call duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected call duration sum > 0, got %f", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var cron *CronJobMetrics
	cron.IncSuccess("job")
	cron.AddProcessed("job", 1)

	custody := NewCustodyMetrics(nil)
	custody.ObserveCall("refund", "rejected", time.Second)
	custody.IncRetry("refund")
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}

func TestOutboxMetricsCountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)
	m.IncEvent("order_settled", OutcomePublished)
	m.IncEvent("order_settled", OutcomePublished)
	m.IncEvent("order_settled", OutcomeDeadLettered)
	m.ObserveBatch(40 * time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	var published, dead float64
	for _, mf := range mfs {
		if mf.GetName() != "tradehold_outbox_events_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() != "outcome" {
					continue
				}
				switch label.GetValue() {
				case OutcomePublished:
					published = metric.GetCounter().GetValue()
				case OutcomeDeadLettered:
					dead = metric.GetCounter().GetValue()
				}
			}
		}
	}
	if published != 2 || dead != 1 {
		t.Fatalf("expected published=2 dead=1, got %v %v", published, dead)
	}
}

func TestNilOutboxMetricsAreNoops(t *testing.T) {
	var m *OutboxMetrics
	m.IncEvent("order_settled", OutcomeRetry)
	m.ObserveBatch(time.Second)
	NewOutboxMetrics(nil).IncEvent("order_settled", OutcomeRetry)
}

func TestHandlerServesMetricsAndLiveness(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewOutboxMetrics(reg).IncEvent("order_settled", OutcomePublished)
	h := Handler(reg)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "tradehold_outbox_events_total") {
		t.Fatalf("unexpected metrics response %d %s", resp.Code, resp.Body.String())
	}

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("unexpected liveness status %d", resp.Code)
	}
}
