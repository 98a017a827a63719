package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every occupeye collector and is served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// ActiveWorkers is the number of vehicles currently sampled.
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "occupeye_active_workers",
			Help: "Number of vehicles with a running capture worker.",
		},
	)

	// CyclesTotal counts capture cycles by result:
	// ok, failure, skipped, canceled or panic.
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occupeye_capture_cycles_total",
			Help: "Capture cycles by result.",
		},
		[]string{"result"},
	)

	// SkippedTicksTotal counts ticks dropped because a cycle was still in flight.
	SkippedTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "occupeye_skipped_ticks_total",
			Help: "Ticks skipped because the previous cycle of the vehicle was still running.",
		},
	)

	// DetectionAttemptsTotal counts single detection requests by outcome:
	// ok, timeout, status, malformed, transport.
	DetectionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occupeye_detection_attempts_total",
			Help: "Detection requests by outcome.",
		},
		[]string{"outcome"},
	)

	DetectionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "occupeye_detection_latency_seconds",
			Help:    "Latency of single detection requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occupeye_status_transitions_total",
			Help: "Vehicle status transitions.",
		},
		[]string{"from", "to"},
	)

	// VehicleStatus is 1 for the current status of each vehicle and 0 otherwise.
	VehicleStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "occupeye_vehicle_status",
			Help: "Current status of each vehicle (1 = current).",
		},
		[]string{"vehicle", "status"},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occupeye_alerts_total",
			Help: "Alert events emitted, by kind.",
		},
		[]string{"kind"},
	)

	// NotificationsTotal counts deliveries by sink and result: delivered, failed, dropped.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occupeye_notifications_total",
			Help: "Notification deliveries by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// BrokerConnectivityStatus is 1 while the MQTT connection is up.
	BrokerConnectivityStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "occupeye_broker_connectivity_status",
			Help: "The connectivity status to the MQTT broker (1=Ready, 0=NotReady).",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ActiveWorkers,
		CyclesTotal,
		SkippedTicksTotal,
		DetectionAttemptsTotal,
		DetectionLatency,
		TransitionsTotal,
		VehicleStatus,
		AlertsTotal,
		NotificationsTotal,
		BrokerConnectivityStatus,
	)
}
