package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlItemsTotal == nil || crawlWorkersActive == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(crawlItemsTotal.WithLabelValues("succeeded"))
	ObserveItem("succeeded")
	if val := testutil.ToFloat64(crawlItemsTotal.WithLabelValues("succeeded")); val != before+1 {
		t.Errorf("Expected crawl_items_total to grow by 1, got %f", val-before)
	}
}

func TestSetCrawlStateKeepsOneStateHot(t *testing.T) {
	Init()
	SetCrawlState("RUNNING")
	SetCrawlState("PAUSING")

	if val := testutil.ToFloat64(crawlControllerState.WithLabelValues("RUNNING")); val != 0 {
		t.Errorf("Expected RUNNING to be 0, got %f", val)
	}
	if val := testutil.ToFloat64(crawlControllerState.WithLabelValues("PAUSING")); val != 1 {
		t.Errorf("Expected PAUSING to be 1, got %f", val)
	}
}

func TestGauges(t *testing.T) {
	Init()
	SetWorkers(2, 5)
	SetSingleThreadMode(true)

	if val := testutil.ToFloat64(crawlWorkersActive); val != 2 {
		t.Errorf("Expected active workers 2, got %f", val)
	}
	if val := testutil.ToFloat64(crawlWorkersTotal); val != 5 {
		t.Errorf("Expected total workers 5, got %f", val)
	}
	if val := testutil.ToFloat64(crawlSingleThreadMode); val != 1 {
		t.Errorf("Expected single-thread-mode 1, got %f", val)
	}
	SetSingleThreadMode(false)
	if val := testutil.ToFloat64(crawlSingleThreadMode); val != 0 {
		t.Errorf("Expected single-thread-mode 0, got %f", val)
	}
}
