// Package metrics defines the counter sink the transport layer increments.
// The transport never formats or logs statistics itself; a reporting component
// (the Prometheus /metrics endpoint) reads them out of band.
package metrics

// Sink receives transport-level counter increments. Implementations must be
// safe for concurrent use from every connection loop.
type Sink interface {
	ConnectionOpened(transport string)
	ConnectionClosed(transport string)
	ConnectionRejected(transport, reason string)

	MessageReceived(transport string, bytes int)
	MessageSent(transport string, bytes int)

	ProtocolViolation(transport, kind string)
	SendRejected(transport string)
	QueueThrottled()
	SessionTickFailed()
}

// NopSink discards every increment; used by tests.
type NopSink struct{}

func (NopSink) ConnectionOpened(string)             {}
func (NopSink) ConnectionClosed(string)             {}
func (NopSink) ConnectionRejected(string, string)   {}
func (NopSink) MessageReceived(string, int)         {}
func (NopSink) MessageSent(string, int)             {}
func (NopSink) ProtocolViolation(string, string)    {}
func (NopSink) SendRejected(string)                 {}
func (NopSink) QueueThrottled()                     {}
func (NopSink) SessionTickFailed()                  {}

var _ Sink = NopSink{}
