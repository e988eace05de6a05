package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/demikernel-go/epollshim/metrics"
)

func TestMetrics(t *testing.T) {
	before := metrics.Get(metrics.PwaitCalls)
	metrics.Add(metrics.PwaitCalls, 1)
	assert.Equal(t, before+1, metrics.Get(metrics.PwaitCalls))
	metrics.Add(metrics.PwaitCalls, 1)
	assert.Equal(t, before+2, metrics.Get(metrics.PwaitCalls))

	metrics.Add(metrics.Max+1, 1)
	assert.Equal(t, uint64(0), metrics.Get(metrics.Max+1))
	assert.Equal(t, uint64(0), metrics.Get(-1))

	metrics.Add(metrics.PwaitTimedOut, 8)
	metrics.Add(metrics.TransportWaitAnyCalls, 9)
	metrics.Add(metrics.AcceleratedReadyDrained, 99)
	metrics.Add(metrics.NativeReadyDrained, 191)
	metrics.Add(metrics.ShortReadvSplits, 1191)

	all := metrics.GetAll()
	assert.Equal(t, all[metrics.PwaitCalls], metrics.Get(metrics.PwaitCalls))

	metrics.ShowMetrics()
	metrics.ShowMetricsOfPeriod(time.Millisecond)
}
