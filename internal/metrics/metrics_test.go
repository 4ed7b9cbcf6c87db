package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Operation("verify", nil)
	m.Operation("verify", errors.New("x"))
	m.Operation("verify", nil)
	m.Resolution("released")
	m.Pending(3)
	m.CustodyError("lock", "insufficient funds")

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range metric.GetLabel() {
				key += "," + lp.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				values[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[key] = metric.GetGauge().GetValue()
			}
		}
	}
	require.Equal(t, 2.0, values["gigescrow_engine_operations_total,verify,ok"])
	require.Equal(t, 1.0, values["gigescrow_engine_operations_total,verify,error"])
	require.Equal(t, 1.0, values["gigescrow_oracle_resolutions_total,released"])
	require.Equal(t, 3.0, values["gigescrow_oracle_pending_requests"])

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Contains(t, rec.Body.String(), "gigescrow_custody_errors_total")
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.Operation("create", nil)
	m.Resolution("failed")
	m.Pending(1)
	m.Submitted(0.1)
	m.CustodyError("release", "rejected")
}
