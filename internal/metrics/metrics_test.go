package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPollerTicksCountsByResult(t *testing.T) {
	before := testutil.ToFloat64(PollerTicks.WithLabelValues(TickSkipped))
	PollerTicks.WithLabelValues(TickSkipped).Inc()

	after := testutil.ToFloat64(PollerTicks.WithLabelValues(TickSkipped))
	if after != before+1 {
		t.Fatalf("expected skipped ticks %v, got %v", before+1, after)
	}
}

func TestWatermarkGaugeTracksLatestValue(t *testing.T) {
	PollerWatermark.Set(120)
	if got := testutil.ToFloat64(PollerWatermark); got != 120 {
		t.Fatalf("expected watermark 120, got %v", got)
	}
}
