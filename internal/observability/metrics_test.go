package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestKernelCollectorRecordsEventsDispatched(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewKernelCollector(reg)
	if err != nil {
		t.Fatalf("NewKernelCollector: %v", err)
	}

	collector.IncEventsDispatched()
	collector.IncEventsDispatched()

	if got := testutil.ToFloat64(collector.eventsDispatched); got != 2 {
		t.Fatalf("kernel_events_dispatched_total = %v, want 2", got)
	}
}

func TestKernelCollectorGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewKernelCollector(reg)
	if err != nil {
		t.Fatalf("NewKernelCollector: %v", err)
	}

	collector.SetQueueDepth(7)
	collector.SetPollChannelDepth(2)
	collector.SetSpeedRatio(1.5)
	collector.SetMoteCount(10)
	collector.SetMoteTypeCount(3)
	collector.ObserveGovernorSleep(25 * time.Millisecond)

	if got := testutil.ToFloat64(collector.queueDepth); got != 7 {
		t.Fatalf("kernel_queue_depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(collector.pollChannelDepth); got != 2 {
		t.Fatalf("kernel_poll_channel_depth = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.speedRatio); got != 1.5 {
		t.Fatalf("kernel_speed_ratio = %v, want 1.5", got)
	}
	if got := testutil.ToFloat64(collector.motes); got != 10 {
		t.Fatalf("kernel_motes = %v, want 10", got)
	}
	if got := testutil.ToFloat64(collector.moteTypes); got != 3 {
		t.Fatalf("kernel_mote_types = %v, want 3", got)
	}
}

func TestKernelCollectorHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewKernelCollector(reg)
	if err != nil {
		t.Fatalf("NewKernelCollector: %v", err)
	}
	collector.SetMoteCount(4)
	collector.IncEventsDispatched()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"kernel_events_dispatched_total",
		"kernel_queue_depth",
		"kernel_motes",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestNewKernelCollectorIdempotentAgainstSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewKernelCollector(reg); err != nil {
		t.Fatalf("first NewKernelCollector: %v", err)
	}
	if _, err := NewKernelCollector(reg); err != nil {
		t.Fatalf("second NewKernelCollector against same registry: %v", err)
	}
}
