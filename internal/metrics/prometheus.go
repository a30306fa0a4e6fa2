package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors.
var (
	RestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docker_warden_restarts_total",
		Help: "Total container restarts by result.",
	}, []string{"container", "result"})

	ActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docker_warden_actions_total",
		Help: "Total supervision decisions by action.",
	}, []string{"action"})

	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docker_warden_notifications_total",
		Help: "Total notification sends by service and result.",
	}, []string{"service", "result"})

	MonitoredContainers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docker_warden_monitored_containers",
		Help: "Current number of monitored containers.",
	})

	UnhealthyContainers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docker_warden_unhealthy_containers",
		Help: "Current number of failing monitored containers.",
	})

	QuarantinedContainers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docker_warden_quarantined_containers",
		Help: "Current number of quarantined containers.",
	})

	EventStreamConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docker_warden_event_stream_connected",
		Help: "1 if connected to the Docker event stream, 0 otherwise.",
	})

	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "docker_warden_tick_duration_seconds",
		Help:    "Time taken by one monitoring sweep.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		RestartsTotal,
		ActionsTotal,
		NotificationsTotal,
		MonitoredContainers,
		UnhealthyContainers,
		QuarantinedContainers,
		EventStreamConnected,
		TickDuration,
	)
}

// Serve starts the Prometheus metrics HTTP server on the given port.
// Returns immediately; the server runs in the background.
// If port is 0, metrics are disabled and this is a no-op.
func Serve(port int) {
	if port == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		addr := fmt.Sprintf(":%d", port)
		if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec // Metrics endpoint, intentionally unauthenticated
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
}

// Recorder adapts the collectors to the supervisor's metrics surface.
type Recorder struct{}

func (Recorder) ObserveTickDuration(d time.Duration) {
	TickDuration.Observe(d.Seconds())
}

func (Recorder) SetFleetGauges(monitored, unhealthy, quarantined int) {
	MonitoredContainers.Set(float64(monitored))
	UnhealthyContainers.Set(float64(unhealthy))
	QuarantinedContainers.Set(float64(quarantined))
}

func (Recorder) CountRestart(container, result string) {
	RestartsTotal.WithLabelValues(container, result).Inc()
}

func (Recorder) CountAction(action string) {
	ActionsTotal.WithLabelValues(action).Inc()
}

func (Recorder) Export(path string) {
	if err := WriteTextfile(path); err != nil {
		fmt.Printf("textfile export error: %v\n", err)
	}
}

// CountNotification records a notification delivery outcome.
func CountNotification(service, result string) {
	NotificationsTotal.WithLabelValues(service, result).Inc()
}

// SetStreamConnected flips the event stream connectivity gauge.
func SetStreamConnected(connected bool) {
	if connected {
		EventStreamConnected.Set(1)
	} else {
		EventStreamConnected.Set(0)
	}
}
