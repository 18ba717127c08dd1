package audio

import (
	"sync"
)

// Stream is an unbounded FIFO of buffers bridging a push producer (usually
// an audio callback) to a pull consumer. Yield never blocks; the consumer
// paces itself by receiving from C.
type Stream struct {
	mu      sync.Mutex
	pending []*Buffer
	closed  bool

	notify chan struct{}
	done   chan struct{}
	out    chan *Buffer
	once   sync.Once
}

func NewStream() *Stream {
	s := &Stream{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan *Buffer),
	}
	go s.pump()
	return s
}

// Yield enqueues buf. It reports false once the stream is closed.
func (s *Stream) Yield(buf *Buffer) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, buf)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// C delivers buffers in the order they were yielded. It is closed after
// Close.
func (s *Stream) C() <-chan *Buffer {
	return s.out
}

// Len is the number of buffers yielded but not yet received.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Finish ends the stream once everything already yielded has been received.
// Yield fails from now on. Close still drops what is left.
func (s *Stream) Finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close ends the stream, dropping anything not yet received. Safe to call
// more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		buf := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- buf:
		case <-s.done:
			return
		}
	}
}
