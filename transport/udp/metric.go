package udp

import (
	"sync/atomic"

	"github.com/arloliu/go-netsession/session"
)

// metricsAttr is the session attribute holding the UDP metrics of a session.
const metricsAttr = "udp.metrics"

// Metrics contains atomic metrics of the reliability layer of a session.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// DatagramSendCount indicates the number of datagrams sent, retransmissions and acks included.
	DatagramSendCount atomic.Uint64
	// DatagramRecvCount indicates the number of datagrams received.
	DatagramRecvCount atomic.Uint64
	// RetransmitCount indicates the number of retransmitted datagrams.
	RetransmitCount atomic.Uint64
	// AckSendCount indicates the number of acks sent.
	AckSendCount atomic.Uint64
	// AckRecvCount indicates the number of acks received for pending datagrams.
	AckRecvCount atomic.Uint64
	// DuplicateCount indicates the number of duplicated reliable datagrams dropped.
	DuplicateCount atomic.Uint64
	// StaleCount indicates the number of sequenced datagrams dropped for being older than the newest one.
	StaleCount atomic.Uint64
	// MalformedCount indicates the number of undecodable datagrams and datagrams beyond the receive window.
	MalformedCount atomic.Uint64
	// UnackedGauge indicates the number of reliable datagrams waiting for an ack.
	UnackedGauge atomic.Int64
}

// MetricsOf returns the UDP metrics of a session created by this package.
func MetricsOf(s *session.Session) (*Metrics, bool) {
	v, ok := s.Attr(metricsAttr)
	if !ok {
		return nil, false
	}
	m, ok := v.(*Metrics)

	return m, ok
}
