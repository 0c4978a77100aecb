package pool

import "sync"

// MaxDatagramSize is the largest UDP payload that fits into an IPv4 datagram.
const MaxDatagramSize = 65507

var datagramPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxDatagramSize)
		return &buf
	},
}

// GetDatagramBuffer returns a buffer able to hold any UDP datagram.
func GetDatagramBuffer() *[]byte {
	buf, _ := datagramPool.Get().(*[]byte)
	return buf
}

// PutDatagramBuffer returns buf to the pool.
func PutDatagramBuffer(buf *[]byte) {
	if buf == nil || cap(*buf) < MaxDatagramSize {
		return
	}
	*buf = (*buf)[:MaxDatagramSize]
	datagramPool.Put(buf)
}
