package session

import "sync/atomic"

// Metrics contains atomic counters for a session.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// MsgSendCount indicates the number of messages handed to the transport.
	MsgSendCount atomic.Uint64
	// MsgRecvCount indicates the number of raw inbound chunks or datagrams fired through the pipeline.
	MsgRecvCount atomic.Uint64
	// ByteSendCount indicates the number of bytes handed to the transport.
	ByteSendCount atomic.Uint64
	// ByteRecvCount indicates the number of bytes received from the transport.
	ByteRecvCount atomic.Uint64
	// SendErrCount indicates the number of failed transport writes and flushes.
	SendErrCount atomic.Uint64
	// DroppedCount indicates the number of inbound messages dropped, either at the pipeline tail
	// or because the session was not connected.
	DroppedCount atomic.Uint64
	// PipelineErrCount indicates the number of errors raised by pipeline handlers.
	PipelineErrCount atomic.Uint64
	// FlushCount indicates the number of transport flushes.
	FlushCount atomic.Uint64
	// PendingSendGauge indicates the number of sends queued while connecting.
	PendingSendGauge atomic.Int64
}

func (m *Metrics) incMsgSendCount(n int) {
	m.MsgSendCount.Add(1)
	m.ByteSendCount.Add(uint64(n)) //nolint:gosec
}

func (m *Metrics) incMsgRecvCount(n int) {
	m.MsgRecvCount.Add(1)
	m.ByteRecvCount.Add(uint64(n)) //nolint:gosec
}

func (m *Metrics) incSendErrCount() {
	m.SendErrCount.Add(1)
}

func (m *Metrics) incDroppedCount() {
	m.DroppedCount.Add(1)
}

func (m *Metrics) incPipelineErrCount() {
	m.PipelineErrCount.Add(1)
}

func (m *Metrics) incFlushCount() {
	m.FlushCount.Add(1)
}

func (m *Metrics) setPendingSendGauge(n int) {
	m.PendingSendGauge.Store(int64(n))
}
