package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if admissionsTotal == nil || cacheLookupsTotal == nil ||
		httpRequestsTotal == nil || sessionRotationsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	ObserveAdmission("metrics-test", "busy")
	if val := testutil.ToFloat64(admissionsTotal.WithLabelValues("metrics-test", "busy")); val != 1 {
		t.Errorf("expected one busy admission, got %f", val)
	}

	SetInFlight("metrics-test", 3)
	if val := testutil.ToFloat64(inFlight.WithLabelValues("metrics-test")); val != 3 {
		t.Errorf("expected in-flight 3, got %f", val)
	}

	ObserveCacheLookup("metrics-test", "negative_hit")
	if val := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("metrics-test", "negative_hit")); val != 1 {
		t.Errorf("expected one negative hit, got %f", val)
	}

	ObserveSessionRotation("metrics-test", "ttl")
	if val := testutil.ToFloat64(sessionRotationsTotal.WithLabelValues("metrics-test", "ttl")); val != 1 {
		t.Errorf("expected one rotation, got %f", val)
	}

	ObserveProviderCall("metrics-test", "detail", "ok", 10*time.Millisecond)
	if val := testutil.ToFloat64(providerCallsTotal.WithLabelValues("metrics-test", "detail", "ok")); val != 1 {
		t.Errorf("expected one provider call, got %f", val)
	}
}
