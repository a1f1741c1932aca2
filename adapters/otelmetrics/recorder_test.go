package otelmetrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, recorder *Recorder) string {
	t.Helper()
	server := httptest.NewServer(recorder.Handler())
	defer server.Close()

	res, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read scrape body: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected scrape status %d", res.StatusCode)
	}
	return string(body)
}

func TestRecorder_ExportsCountersAndHistograms(t *testing.T) {
	recorder, err := New()
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	defer recorder.Shutdown(context.Background())

	ctx := context.Background()
	tags := map[string]string{"operation": "retry_attempt", "subscription_id": "sub_1"}
	recorder.IncCounter(ctx, "formhooks.retry_attempt.total", 1, tags)
	recorder.IncCounter(ctx, "formhooks.retry_attempt.total", 2, tags)
	recorder.ObserveHistogram(ctx, "formhooks.retry_attempt.duration_ms", 12.5, tags)

	body := scrape(t, recorder)
	if !strings.Contains(body, "formhooks_retry_attempt") {
		t.Fatalf("expected retry metrics in scrape output:\n%s", body)
	}
	if !strings.Contains(body, `subscription_id="sub_1"`) {
		t.Fatalf("expected tags exported as labels:\n%s", body)
	}
	if !strings.Contains(body, "_bucket") {
		t.Fatalf("expected histogram buckets:\n%s", body)
	}
}

func TestRecorder_ObservesGaugeOnScrape(t *testing.T) {
	recorder, err := New(WithMeterName("formhooks-test"))
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	defer recorder.Shutdown(context.Background())

	calls := 0
	if err := recorder.ObserveGauge("formhooks.retry.active", "attempts awaiting retry", func(context.Context) int64 {
		calls++
		return 7
	}); err != nil {
		t.Fatalf("observe gauge: %v", err)
	}

	body := scrape(t, recorder)
	if calls == 0 {
		t.Fatalf("expected gauge callback to run during scrape")
	}
	if !strings.Contains(body, "formhooks_retry_active") || !strings.Contains(body, " 7") {
		t.Fatalf("expected gauge value in scrape output:\n%s", body)
	}
	if err := recorder.ObserveGauge("formhooks.nil", "", nil); err == nil {
		t.Fatalf("expected nil callback to fail")
	}
}

func TestAttributesAreSortedByKey(t *testing.T) {
	attrs := attributes(map[string]string{"status": "success", "operation": "inbound"})
	if len(attrs) != 2 || string(attrs[0].Key) != "operation" || string(attrs[1].Key) != "status" {
		t.Fatalf("unexpected attributes %+v", attrs)
	}
	if attributes(nil) != nil {
		t.Fatalf("expected nil attributes for no tags")
	}
}
