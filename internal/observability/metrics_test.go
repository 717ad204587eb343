package observability

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestNewMetrics_ExposesExpositionFormat(t *testing.T) {
	m := NewMetrics()
	m.RingSeq.Set(4)
	m.Quorate.Set(1)
	m.TotalVotes.Set(3)
	m.ExpectedVotes.Set(3)
	m.QuorumTransitionsTotal.WithLabelValues(BoolLabel(true)).Inc()
	m.CPGMcastTotal.WithLabelValues("order-book").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"qcored_ring_seq 4",
		"qcored_votequorum_quorate 1",
		"qcored_votequorum_total_votes 3",
		`qcored_votequorum_transitions_total{to_quorate="true"} 1`,
		`qcored_cpg_mcast_total{group="order-book"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\nfull output:\n%s", want, body)
		}
	}
}

func TestBoolLabel(t *testing.T) {
	if got := BoolLabel(true); got != "true" {
		t.Errorf("BoolLabel(true) = %q, want \"true\"", got)
	}
	if got := BoolLabel(false); got != "false" {
		t.Errorf("BoolLabel(false) = %q, want \"false\"", got)
	}
}
