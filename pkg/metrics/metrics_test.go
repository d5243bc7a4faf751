package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGaugesAreLabeledByPool(t *testing.T) {
	HandlesTotal.WithLabelValues("pool-a").Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(HandlesTotal.WithLabelValues("pool-a")))
}

func TestRaftLeaderGaugeTracksFlip(t *testing.T) {
	RaftLeader.WithLabelValues("pool-b").Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(RaftLeader.WithLabelValues("pool-b")))
	RaftLeader.WithLabelValues("pool-b").Set(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(RaftLeader.WithLabelValues("pool-b")))
}

func TestRebuildTasksCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(RebuildTasksTotal.WithLabelValues("ok"))
	RebuildTasksTotal.WithLabelValues("ok").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(RebuildTasksTotal.WithLabelValues("ok")))
}

// sampleCount returns how many observations histogram m has recorded.
func sampleCount(t *testing.T, m prometheus.Metric) uint64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	return out.GetHistogram().GetSampleCount()
}

func TestTimerObserveDurationRecordsSample(t *testing.T) {
	h := RDBCommitDuration
	before := sampleCount(t, h)

	timer := NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(h)

	after := sampleCount(t, h)
	assert.Equal(t, before+1, after)
}

func TestTimerObserveDurationVecRecordsSample(t *testing.T) {
	series := RPCRequestDuration.WithLabelValues("Connect").(prometheus.Metric)
	before := sampleCount(t, series)

	timer := NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDurationVec(RPCRequestDuration, "Connect")

	assert.Greater(t, timer.Duration(), time.Duration(0))
	assert.Equal(t, before+1, sampleCount(t, series))
}

func TestHandlerReturnsScrapeEndpoint(t *testing.T) {
	require.NotNil(t, Handler())
}
