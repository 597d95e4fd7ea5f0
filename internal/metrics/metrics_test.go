package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndLiveGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Conversion("ok")
	m.Conversion("ok")
	m.Conversion("timeout")
	m.QuotaDecision(false)
	m.SessionCreated()
	m.SessionCreated()
	m.SessionExpired()

	if got := testutil.ToFloat64(m.conversions.WithLabelValues("ok")); got != 2 {
		t.Fatalf("ok conversions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.quotaDecisions.WithLabelValues("denied")); got != 1 {
		t.Fatalf("denied decisions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionsLive); got != 1 {
		t.Fatalf("live sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionsExpired); got != 1 {
		t.Fatalf("expired sessions = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Conversion("ok")
	m.Order("created")
	m.Verification("ok")
	m.Download("first")
	m.SessionCreated()
	m.SessionExpired()
}
