package adbc

import "sync/atomic"

// Metrics tracks protocol-level counters for a session. Components call
// Increment* and collectors read via Get*, the same split aznet uses for
// its driver/transport instrumentation.
type Metrics interface {
	IncrementMessagesSent()
	IncrementMessagesReceived()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)
	IncrementStreamsOpened()
	IncrementStreamsClosed()
	IncrementSyncBytesPushed(n int64)
	IncrementSyncBytesPulled(n int64)

	GetMessagesSent() int64
	GetMessagesReceived() int64
	GetBytesSent() int64
	GetBytesReceived() int64
	GetStreamsOpened() int64
	GetStreamsClosed() int64
	GetSyncBytesPushed() int64
	GetSyncBytesPulled() int64
}

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	messagesSent     int64
	messagesReceived int64
	bytesSent        int64
	bytesReceived    int64
	streamsOpened    int64
	streamsClosed    int64
	syncBytesPushed  int64
	syncBytesPulled  int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementMessagesSent()     { atomic.AddInt64(&m.messagesSent, 1) }
func (m *DefaultMetrics) IncrementMessagesReceived() { atomic.AddInt64(&m.messagesReceived, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64) { atomic.AddInt64(&m.bytesSent, n) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) {
	atomic.AddInt64(&m.bytesReceived, n)
}
func (m *DefaultMetrics) IncrementStreamsOpened() { atomic.AddInt64(&m.streamsOpened, 1) }
func (m *DefaultMetrics) IncrementStreamsClosed() { atomic.AddInt64(&m.streamsClosed, 1) }
func (m *DefaultMetrics) IncrementSyncBytesPushed(n int64) {
	atomic.AddInt64(&m.syncBytesPushed, n)
}
func (m *DefaultMetrics) IncrementSyncBytesPulled(n int64) {
	atomic.AddInt64(&m.syncBytesPulled, n)
}

func (m *DefaultMetrics) GetMessagesSent() int64     { return atomic.LoadInt64(&m.messagesSent) }
func (m *DefaultMetrics) GetMessagesReceived() int64 { return atomic.LoadInt64(&m.messagesReceived) }
func (m *DefaultMetrics) GetBytesSent() int64        { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64    { return atomic.LoadInt64(&m.bytesReceived) }
func (m *DefaultMetrics) GetStreamsOpened() int64    { return atomic.LoadInt64(&m.streamsOpened) }
func (m *DefaultMetrics) GetStreamsClosed() int64    { return atomic.LoadInt64(&m.streamsClosed) }
func (m *DefaultMetrics) GetSyncBytesPushed() int64  { return atomic.LoadInt64(&m.syncBytesPushed) }
func (m *DefaultMetrics) GetSyncBytesPulled() int64  { return atomic.LoadInt64(&m.syncBytesPulled) }

// metricsProvider is implemented by anything exposing its Metrics.
type metricsProvider interface{ GetMetrics() Metrics }

// GetMetrics extracts the Metrics from v (typically a *Session) if it
// implements metricsProvider, the same duck-typed accessor aznet.GetMetrics
// uses for a net.Conn.
func GetMetrics(v any) Metrics {
	if mp, ok := v.(metricsProvider); ok {
		return mp.GetMetrics()
	}
	return nil
}

// metricsTransport wraps a Transport, recording bytes transferred on every
// Read/Write, mirroring aznet's metricsTransport/metricsReadCloser pair.
type metricsTransport struct {
	Transport
	m Metrics
}

func newMetricsTransport(t Transport, m Metrics) *metricsTransport {
	return &metricsTransport{Transport: t, m: m}
}

func (t *metricsTransport) Write(p []byte) (int, error) {
	n, err := t.Transport.Write(p)
	if n > 0 {
		t.m.IncrementBytesSent(int64(n))
	}
	return n, err
}

func (t *metricsTransport) Read(p []byte) (int, error) {
	n, err := t.Transport.Read(p)
	if n > 0 {
		t.m.IncrementBytesReceived(int64(n))
	}
	return n, err
}
