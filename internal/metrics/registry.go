// Package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bridge"

var connectionStates = []string{"disconnected", "connecting", "connected", "faulted"}

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	reg *prometheus.Registry

	// Modbus metrics
	Transactions       *prometheus.CounterVec
	TransactionLatency *prometheus.HistogramVec
	ConnectAttempts    *prometheus.CounterVec
	ConnectLatency     prometheus.Histogram
	ConnectionState    *prometheus.GaugeVec

	// Polling metrics
	PollsTotal   *prometheus.CounterVec
	PollsSkipped *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec
	JobsDegraded *prometheus.GaugeVec
	PointsRead   prometheus.Counter
	DecodeErrors *prometheus.CounterVec

	// State cache metrics
	CacheUpdates *prometheus.CounterVec
	CachePoints  prometheus.Gauge

	// Command metrics
	Commands       *prometheus.CounterVec
	CommandLatency prometheus.Histogram

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTPublishLatency    prometheus.Histogram
	MQTTReconnects        prometheus.Counter
	MQTTConnected         prometheus.Gauge

	// Device metrics
	DevicesRegistered prometheus.Gauge
	DevicesOnline     prometheus.Gauge
	ConfigGeneration  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered on a
// private Prometheus registry, plus the Go and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,

		// Modbus metrics
		Transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "transactions_total",
			Help:      "Total number of Modbus transactions by outcome",
		}, []string{"device_id", "op", "outcome"}),
		TransactionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "transaction_latency_seconds",
			Help:      "Modbus transaction round-trip latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"device_id"}),
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connect_attempts_total",
			Help:      "Total number of Modbus connection attempts",
		}, []string{"device_id", "status"}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connect_latency_seconds",
			Help:      "Modbus connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connection_state",
			Help:      "Current connection state per device (1 for the active state)",
		}, []string{"device_id", "state"}),

		// Polling metrics
		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "polls_total",
			Help:      "Total number of batched poll reads",
		}, []string{"device_id", "status"}),
		PollsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "polls_skipped_total",
			Help:      "Total polls skipped by reason",
		}, []string{"device_id", "reason"}),
		PollDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "duration_seconds",
			Help:      "Batched poll duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"device_id"}),
		JobsDegraded: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "job_degraded",
			Help:      "1 while a poll job runs at its degraded interval",
		}, []string{"device_id", "group_id"}),
		PointsRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "points_read_total",
			Help:      "Total number of points decoded from poll reads",
		}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "decode_errors_total",
			Help:      "Total number of point decode failures",
		}, []string{"device_id"}),

		// State cache metrics
		CacheUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "updates_total",
			Help:      "State cache updates by result (changed, suppressed, out_of_order)",
		}, []string{"result"}),
		CachePoints: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "points",
			Help:      "Number of points held in the state cache",
		}),

		// Command metrics
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "total",
			Help:      "Write commands by source and resolution",
		}, []string{"source", "state"}),
		CommandLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "latency_seconds",
			Help:      "Time from command submission to resolution",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		// MQTT metrics
		MQTTMessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
		MQTTPublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		MQTTReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Total number of MQTT reconnection attempts",
		}),
		MQTTConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "1 while connected to the MQTT broker",
		}),

		// Device metrics
		DevicesRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "registered",
			Help:      "Number of configured devices",
		}),
		DevicesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "online",
			Help:      "Number of connected devices",
		}),
		ConfigGeneration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "config_generation",
			Help:      "Sequence number of the active configuration generation",
		}),
	}

	return r
}

// Handler returns the HTTP handler exposing this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordTransaction records one Modbus transaction.
func (r *Registry) RecordTransaction(deviceID, op, outcome string, latency float64) {
	r.Transactions.WithLabelValues(deviceID, op, outcome).Inc()
	r.TransactionLatency.WithLabelValues(deviceID).Observe(latency)
}

// RecordReconnect records a connection attempt.
func (r *Registry) RecordReconnect(deviceID string, success bool, latency float64) {
	status := "success"
	if !success {
		status = "error"
	}
	r.ConnectAttempts.WithLabelValues(deviceID, status).Inc()
	r.ConnectLatency.Observe(latency)
}

// SetConnectionState marks state as the active connection state of a device.
func (r *Registry) SetConnectionState(deviceID, state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.ConnectionState.WithLabelValues(deviceID, s).Set(v)
	}
}

// ForgetDevice drops per-device series after a device is removed.
func (r *Registry) ForgetDevice(deviceID string) {
	for _, s := range connectionStates {
		r.ConnectionState.DeleteLabelValues(deviceID, s)
	}
}

// SetDevicesConnected updates the device count gauges.
func (r *Registry) SetDevicesConnected(online, registered int) {
	r.DevicesRegistered.Set(float64(registered))
	r.DevicesOnline.Set(float64(online))
}

// RecordPollSuccess records a successful batched read.
func (r *Registry) RecordPollSuccess(deviceID string, duration float64, pointsRead int) {
	r.PollsTotal.WithLabelValues(deviceID, "success").Inc()
	r.PollDuration.WithLabelValues(deviceID).Observe(duration)
	r.PointsRead.Add(float64(pointsRead))
}

// RecordPollError records a failed batched read.
func (r *Registry) RecordPollError(deviceID string) {
	r.PollsTotal.WithLabelValues(deviceID, "error").Inc()
}

// RecordPollSkipped records a skipped poll (disconnected, back_pressure, in_flight).
func (r *Registry) RecordPollSkipped(deviceID, reason string) {
	r.PollsSkipped.WithLabelValues(deviceID, reason).Inc()
}

// SetJobDegraded flags a poll job as degraded or recovered.
func (r *Registry) SetJobDegraded(deviceID, groupID string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1
	}
	r.JobsDegraded.WithLabelValues(deviceID, groupID).Set(v)
}

// RecordDecodeError records a point that failed to decode.
func (r *Registry) RecordDecodeError(deviceID string) {
	r.DecodeErrors.WithLabelValues(deviceID).Inc()
}

// RecordCacheUpdate records the outcome of a state cache update.
func (r *Registry) RecordCacheUpdate(result string) {
	r.CacheUpdates.WithLabelValues(result).Inc()
}

// SetCachePoints updates the cached point gauge.
func (r *Registry) SetCachePoints(n int) {
	r.CachePoints.Set(float64(n))
}

// RecordCommand records a resolved command.
func (r *Registry) RecordCommand(source, state string, latency float64) {
	r.Commands.WithLabelValues(source, state).Inc()
	r.CommandLatency.Observe(latency)
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
	r.MQTTPublishLatency.Observe(latency)
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}

// RecordMQTTReconnect records a broker reconnect attempt.
func (r *Registry) RecordMQTTReconnect() {
	r.MQTTReconnects.Inc()
}

// SetMQTTConnected updates the broker connection gauge.
func (r *Registry) SetMQTTConnected(connected bool) {
	if connected {
		r.MQTTConnected.Set(1)
	} else {
		r.MQTTConnected.Set(0)
	}
}

// SetConfigGeneration records the active configuration generation.
func (r *Registry) SetConfigGeneration(gen uint64) {
	r.ConfigGeneration.Set(float64(gen))
}
