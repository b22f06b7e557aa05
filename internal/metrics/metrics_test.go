package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.NodeExecuted("withExec", time.Second, nil)
	m.CacheHit("withExec", SourceMemory)
	m.RunFinished(time.Second, errors.New("boom"))
	m.Track()()
	require.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.NodeExecuted("withExec", time.Millisecond, nil)
	m.NodeExecuted("withExec", time.Millisecond, errors.New("boom"))
	m.CacheHit("from", SourceIndex)

	require.Equal(t, 1.0, testutil.ToFloat64(m.NodesExecuted.WithLabelValues("withExec", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.NodesExecuted.WithLabelValues("withExec", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("from", SourceIndex)))

	done := m.Track()
	require.Equal(t, 1.0, testutil.ToFloat64(m.ActiveNodes))
	done()
	require.Equal(t, 0.0, testutil.ToFloat64(m.ActiveNodes))
}
