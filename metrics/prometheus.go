// Prometheus export for the atomic counters above, grounded on the
// whisper-chat example's internal/metrics package: one gauge/counter per
// series, registered in init, scraped via an http.Handler the embedder
// mounts wherever it already serves diagnostics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pwaitCallsTotal = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "epollshim_pwait_calls_total",
		Help: "Total number of pwait invocations.",
	}, func() float64 { return float64(Get(PwaitCalls)) })

	pwaitTimeoutsTotal = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "epollshim_pwait_timeouts_total",
		Help: "Total number of pwait calls whose transport wait_any timed out.",
	}, func() float64 { return float64(Get(PwaitTimedOut)) })

	transportWaitAnyTotal = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "epollshim_transport_wait_any_total",
		Help: "Total number of transport WaitAny calls issued by the scheduler and the socket table.",
	}, func() float64 { return float64(Get(TransportWaitAnyCalls)) })

	acceleratedReadyDrainedTotal = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "epollshim_accelerated_ready_drained_total",
		Help: "Total number of accelerated ready-list events drained.",
	}, func() float64 { return float64(Get(AcceleratedReadyDrained)) })

	nativeReadyDrainedTotal = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "epollshim_native_ready_drained_total",
		Help: "Total number of native-poller events drained.",
	}, func() float64 { return float64(Get(NativeReadyDrained)) })
)

func init() {
	prometheus.MustRegister(
		pwaitCallsTotal,
		pwaitTimeoutsTotal,
		transportWaitAnyTotal,
		acceleratedReadyDrainedTotal,
		nativeReadyDrainedTotal,
	)
}

// Handler returns the Prometheus scrape handler for these counters, for an
// embedder to mount on its own diagnostics mux.
func Handler() http.Handler {
	return promhttp.Handler()
}
