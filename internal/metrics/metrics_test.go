package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New("bt")
	m.Issuance("ok")
	m.Issuance("ok")
	m.Redemption(false, "already_spent")
	m.Reconciled("confirmed")
	m.ConflictRecorded()
	m.Purged(3)
	m.Purged(0)
	m.BloomSnapshot(10, 128)
	m.ObserveRPC("/x", "OK", time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.issuance.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.redemption.WithLabelValues("rejected", "already_spent")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.reconcile.WithLabelValues("confirmed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.conflicts))
	require.Equal(t, 3.0, testutil.ToFloat64(m.purged))
	require.Equal(t, 10.0, testutil.ToFloat64(m.bloomCount))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Issuance("ok")
	m.Redemption(true, "")
	m.Reconciled("error")
	m.ConflictRecorded()
	m.Purged(1)
	m.BloomSnapshot(1, 1)
	m.ObserveRPC("/x", "OK", time.Second)
}

func TestMetrics_Handler(t *testing.T) {
	m := New("")
	m.Issuance("ok")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "blindticket_issuance_total"))
}
