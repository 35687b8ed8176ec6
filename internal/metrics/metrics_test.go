package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRecorders(t *testing.T) {
	m := New(WithRegistry(prometheus.NewRegistry()))

	m.FrameDecoded("AGENT")
	m.FrameDecoded("AGENT")
	m.DecodeError("malformed")
	m.MessageSent("LOGIN", true)
	m.MessageSent("AGENT", false)
	m.QueryHandled("stop", "SUCCESS")
	m.QueriesExpired(3)
	m.QueriesExpired(0)
	m.SetPhase(3)
	m.SetPeers(2)

	if got := counterValue(t, m.framesDecoded.WithLabelValues("AGENT")); got != 2 {
		t.Errorf("frames_decoded_total(AGENT) = %v, want 2", got)
	}
	if got := counterValue(t, m.decodeErrors.WithLabelValues("malformed")); got != 1 {
		t.Errorf("decode_errors_total = %v, want 1", got)
	}
	if got := counterValue(t, m.messagesSent.WithLabelValues("LOGIN")); got != 1 {
		t.Errorf("messages_sent_total(LOGIN) = %v, want 1", got)
	}
	if got := counterValue(t, m.sendFailures); got != 1 {
		t.Errorf("send_failures_total = %v, want 1", got)
	}
	if got := counterValue(t, m.queriesHandled.WithLabelValues("stop", "SUCCESS")); got != 1 {
		t.Errorf("queries_handled_total = %v, want 1", got)
	}
	if got := counterValue(t, m.queriesExpired); got != 3 {
		t.Errorf("queries_expired_total = %v, want 3", got)
	}
	if got := gaugeValue(t, m.phase); got != 3 {
		t.Errorf("session_phase = %v, want 3", got)
	}
	if got := gaugeValue(t, m.peers); got != 2 {
		t.Errorf("channel_peers = %v, want 2", got)
	}
}

func TestHostAndJournalRecorders(t *testing.T) {
	m := New()
	m.SetHostUsage(12.5, 40)
	m.JournalPruned(7)
	m.JournalPruned(0)

	if got := gaugeValue(t, m.hostCPU); got != 12.5 {
		t.Errorf("host_cpu_percent = %v", got)
	}
	if got := gaugeValue(t, m.hostMemory); got != 40 {
		t.Errorf("host_memory_percent = %v", got)
	}
	if got := counterValue(t, m.journalPruned); got != 7 {
		t.Errorf("journal_pruned_rows_total = %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.FrameDecoded("AGENT")
	m.MessageSent("AGENT", true)
	m.SetPhase(1)
	m.QueryResult("replied")
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New(WithNamespace("edgetest"))
	m.PingSent()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "edgetest_pings_sent_total 1") {
		t.Errorf("exposition missing ping counter:\n%s", body)
	}
}
