package observability

import (
	"strings"
	"testing"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("jobs_completed_total", map[string]string{"job_type": "ingredient_parsing"}, 3)
	r.SetGauge("queue_depth", map[string]string{"status": "queued"}, 2)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `jobs_completed_total{job_type="ingredient_parsing"} 3`) {
		t.Fatalf("missing completed counter in output: %s", out)
	}
	if !strings.Contains(out, `queue_depth{status="queued"} 2`) {
		t.Fatalf("missing depth gauge in output: %s", out)
	}
}

func TestCounterAccumulatesPerLabelSet(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("camera_switch_denied_total", map[string]string{"mode": "product-photo"}, 1)
	r.IncCounter("camera_switch_denied_total", map[string]string{"mode": "product-photo"}, 1)
	r.IncCounter("camera_switch_denied_total", map[string]string{"mode": "scanner"}, 1)

	snap := r.Snapshot()
	total := 0.0
	for _, c := range snap.Counters {
		if c.Name != "camera_switch_denied_total" {
			t.Fatalf("unexpected counter %q", c.Name)
		}
		total += c.Value
	}
	if len(snap.Counters) != 2 || total != 3 {
		t.Fatalf("expected two label sets summing to 3, got %+v", snap.Counters)
	}
}
