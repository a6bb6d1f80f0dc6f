package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// testMetrics is shared by every test: New registers its collectors on the
// default Prometheus registry, so a second call in one process panics.
var testMetrics = New()

func TestMetrics_RecordDispatch(t *testing.T) {
	m := testMetrics
	m.RecordDispatch("in-process", "ok", 0.05)

	require.Equal(t, 1, testutil.CollectAndCount(m.DispatchTotal))
}

func TestMetrics_ObservePoolOccupancy(t *testing.T) {
	m := testMetrics
	m.ObservePoolOccupancy("subprocess", 3)

	value := testutil.ToFloat64(m.PoolLiveWorkers.WithLabelValues("subprocess"))
	require.Equal(t, float64(3), value)
}
