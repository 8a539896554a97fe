package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ravennest_connections_active",
		Help: "Number of active client connections",
	}, []string{"transport"})

	totalConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ravennest_connections_total",
		Help: "Total number of client connections",
	}, []string{"transport"})

	connectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ravennest_connections_rejected_total",
		Help: "Total number of connections rejected",
	}, []string{"transport", "reason"})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ravennest_messages_received_total",
		Help: "Total number of messages received",
	}, []string{"transport"})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ravennest_messages_sent_total",
		Help: "Total number of messages sent",
	}, []string{"transport"})

	bytesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ravennest_bytes_received_total",
		Help: "Total bytes received",
	}, []string{"transport"})

	bytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ravennest_bytes_sent_total",
		Help: "Total bytes sent",
	}, []string{"transport"})

	protocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ravennest_protocol_violations_total",
		Help: "Total number of protocol violations",
	}, []string{"transport", "kind"})

	sendsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ravennest_sends_rejected_total",
		Help: "Total number of oversize sends rejected",
	}, []string{"transport"})

	queueThrottles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ravennest_send_queue_throttles_total",
		Help: "Total number of send queues throttled for slow consumers",
	})

	sessionTickFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ravennest_session_tick_failures_total",
		Help: "Total number of failed simulation ticks",
	})
)

// PrometheusSink is the production Sink backed by promauto collectors
// registered on the default registry.
type PrometheusSink struct{}

// NewPrometheusSink creates the Prometheus-backed sink.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{}
}

func (*PrometheusSink) ConnectionOpened(transport string) {
	totalConnections.WithLabelValues(transport).Inc()
	activeConnections.WithLabelValues(transport).Inc()
}

func (*PrometheusSink) ConnectionClosed(transport string) {
	activeConnections.WithLabelValues(transport).Dec()
}

func (*PrometheusSink) ConnectionRejected(transport, reason string) {
	connectionsRejected.WithLabelValues(transport, reason).Inc()
}

func (*PrometheusSink) MessageReceived(transport string, bytes int) {
	messagesReceived.WithLabelValues(transport).Inc()
	bytesReceived.WithLabelValues(transport).Add(float64(bytes))
}

func (*PrometheusSink) MessageSent(transport string, bytes int) {
	messagesSent.WithLabelValues(transport).Inc()
	bytesSent.WithLabelValues(transport).Add(float64(bytes))
}

func (*PrometheusSink) ProtocolViolation(transport, kind string) {
	protocolViolations.WithLabelValues(transport, kind).Inc()
}

func (*PrometheusSink) SendRejected(transport string) {
	sendsRejected.WithLabelValues(transport).Inc()
}

func (*PrometheusSink) QueueThrottled() {
	queueThrottles.Inc()
}

func (*PrometheusSink) SessionTickFailed() {
	sessionTickFailures.Inc()
}

var _ Sink = (*PrometheusSink)(nil)
