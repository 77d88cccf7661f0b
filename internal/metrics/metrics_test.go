package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordOutcome(t *testing.T) {
	c := NewCollector()
	c.RecordOutcome("mirrored", "", "PAID_USER")
	c.RecordOutcome("mirrored", "", "PAID_USER")
	c.RecordOutcome("dropped", "capacity", "BACKGROUND")

	if got := testutil.ToFloat64(c.Outcomes.WithLabelValues("mirrored", "", "PAID_USER")); got != 2 {
		t.Errorf("mirrored = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Outcomes.WithLabelValues("dropped", "capacity", "BACKGROUND")); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestRecordProbe(t *testing.T) {
	c := NewCollector()
	c.RecordProbe(true, 120*time.Millisecond)
	c.RecordProbe(false, 0)
	c.RecordProbe(false, 0)

	if got := testutil.ToFloat64(c.Probes.WithLabelValues("online")); got != 1 {
		t.Errorf("online = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Probes.WithLabelValues("offline")); got != 2 {
		t.Errorf("offline = %v, want 2", got)
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.RecordNoise("spam_pattern")
	c.SetStorageUsage(42)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`wotsync_noise_verdicts_total{reason="spam_pattern"} 1`,
		"wotsync_storage_usage_percent 42",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
