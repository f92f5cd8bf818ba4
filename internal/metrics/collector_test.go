package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryExposition(t *testing.T) {
	r := NewRegistry()
	r.Counter("relaybot_test_total", "test counter", "").Add(3)
	r.Gauge("relaybot_test_gauge", "test gauge", "").Set(7)
	r.Histogram("relaybot_test_seconds", "test histogram", "", []float64{1, 5}).Observe(2)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"relaybot_uptime_seconds",
		"relaybot_test_total 3",
		"relaybot_test_gauge 7",
		`relaybot_test_seconds_bucket{le="1"} 0`,
		`relaybot_test_seconds_bucket{le="5"} 1`,
		"relaybot_test_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q in:\n%s", want, body)
		}
	}
}

func TestRegistryReturnsSameInstance(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("relaybot_x_total", "x", "")
	b := r.Counter("relaybot_x_total", "x", "")
	if a != b {
		t.Error("same name should return the same counter")
	}
	a.Inc()
	if b.Value() != 1 {
		t.Errorf("value = %d, want 1", b.Value())
	}
}

func TestPipelineMetrics(t *testing.T) {
	r := NewRegistry()
	pm := NewPipelineMetrics(r)

	pm.EventReceived("message-received")
	pm.EventReceived("message-received")
	pm.EventReceived("message-failed")
	pm.EventDeduplicated()
	pm.ReplySent()
	pm.ReplyFailed()
	pm.ConnectionStatus("discord:gateway", true)
	pm.ObserveModelLatency(750 * time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`relaybot_events_received_total{kind="message-received"} 2`,
		`relaybot_events_received_total{kind="message-failed"} 1`,
		"relaybot_events_deduplicated_total 1",
		"relaybot_replies_sent_total 1",
		"relaybot_replies_failed_total 1",
		`relaybot_connection_up{channel="discord:gateway"} 1`,
		"relaybot_model_latency_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q in:\n%s", want, body)
		}
	}
}
