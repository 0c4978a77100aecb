package session

import (
	"net"
	"sync"

	"github.com/arloliu/go-netsession/internal/util"
	"github.com/arloliu/go-netsession/logger"
)

// DefaultSendQueueSize is the default number of requests a Sender buffers.
const DefaultSendQueueSize = 1024

// SendRequest is one unit of work of a sender goroutine: a payload to write or, when Done is
// set, a flush whose result is reported to Done.
type SendRequest struct {
	Data      []byte
	ChannelID uint32
	Rel       Reliability
	Done      func(error)
}

// WriteFunc performs the physical write of one payload.
type WriteFunc func(p []byte, channelID uint32, rel Reliability) error

// Sender runs the physical writes of a transport adapter on a goroutine of its own.
//
// Write and Flush only enqueue, so they never wait for the network and can be called from the
// session executor. Requests are processed in order. The first write or flush error sticks:
// later writes are dropped and later flushes report it.
type Sender struct {
	name    string
	logger  logger.Logger
	queue   chan SendRequest
	write   WriteFunc
	flush   func() error
	onError func(error)

	mu     sync.RWMutex // protects closed
	closed bool

	// accessed only by the sender goroutine
	err error
}

// NewSender creates a Sender buffering up to queueSize requests. flush may be nil for
// transports without write buffering. onError, if not nil, is called once with the first error.
func NewSender(name string, queueSize int, write WriteFunc, flush func() error, onError func(error), l logger.Logger) *Sender {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &Sender{
		name:    name,
		logger:  l,
		queue:   make(chan SendRequest, queueSize),
		write:   write,
		flush:   flush,
		onError: onError,
	}
}

// Start starts the sender goroutine on taskMgr. Stopping taskMgr stops the sender and fails
// the flushes still queued.
func (s *Sender) Start(taskMgr *TaskManager) error {
	if err := taskMgr.StartSender(s.name, s.senderTask, s.stopped, s.queue); err != nil {
		s.stopped()
		return err
	}

	return nil
}

// Write copies p and queues it. It returns ErrSendQueueFull when the queue is full and
// net.ErrClosed after Close.
func (s *Sender) Write(p []byte, channelID uint32, rel Reliability) error {
	return s.enqueue(SendRequest{Data: util.CloneSlice(p, 0), ChannelID: channelID, Rel: rel})
}

// Flush queues a flush behind the writes queued so far. done is called with the result on the
// sender goroutine, or right away if the request can't be queued.
func (s *Sender) Flush(done func(error)) {
	if err := s.enqueue(SendRequest{Done: done}); err != nil {
		done(err)
	}
}

// Close stops accepting requests.
func (s *Sender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Pending returns the number of queued requests.
func (s *Sender) Pending() int {
	return len(s.queue)
}

func (s *Sender) enqueue(req SendRequest) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return net.ErrClosed
	}

	select {
	case s.queue <- req:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// senderTask is the task function of the sender goroutine.
func (s *Sender) senderTask(req SendRequest) bool {
	if req.Done != nil {
		err := s.err
		if err == nil && s.flush != nil {
			if err = s.flush(); err != nil {
				s.fail(err)
			}
		}
		req.Done(err)

		return true
	}

	if s.err != nil {
		return true
	}
	if err := s.write(req.Data, req.ChannelID, req.Rel); err != nil {
		s.fail(err)
	}

	return true
}

func (s *Sender) fail(err error) {
	s.err = err
	s.logger.Debug("transport write failed", "sender", s.name, "error", err)

	if s.onError != nil {
		s.onError(err)
	}
}

// stopped closes the sender and fails the flushes left in the queue.
func (s *Sender) stopped() {
	s.Close()

	err := s.err
	if err == nil {
		err = net.ErrClosed
	}

	for {
		select {
		case req := <-s.queue:
			if req.Done != nil {
				req.Done(err)
			}
		default:
			return
		}
	}
}
