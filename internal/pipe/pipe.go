// Package pipe provides a closeable byte FIFO that decouples the capture
// receive path from the disk writer. It supports exactly one producer and one
// consumer at a time; both ends block, and Close wakes every waiter.
package pipe

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Push once the pipe has been closed.
var ErrClosed = errors.New("pipe: closed")

// unboundedInitial is the starting allocation for an unbounded pipe.
const unboundedInitial = 64 * 1024

// Pipe is a FIFO of bytes with an optional capacity. A capacity of 0 lets the
// pipe grow without limit.
//
// Waiters are signalled through one-slot channels instead of condition
// variables so that a blocked Push or Pop can also select on its context.
// With a single producer and a single consumer a pending token is never lost:
// the side that makes progress leaves a token for the other side to find.
type Pipe struct {
	mu       sync.Mutex
	buf      []byte
	head     int
	capacity int
	closed   bool

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
	once     sync.Once

	pushed atomic.Int64
	popped atomic.Int64
}

// New creates a Pipe holding at most capacity bytes. Zero or negative
// capacity means unbounded.
func New(capacity int) *Pipe {
	if capacity < 0 {
		capacity = 0
	}
	initial := capacity
	if initial == 0 {
		initial = unboundedInitial
	}
	return &Pipe{
		buf:      make([]byte, 0, initial),
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push enqueues all of b, blocking while the pipe is full. It returns the
// number of bytes enqueued, which is short only when the pipe was closed
// (ErrClosed) or ctx ended (ctx.Err()) before everything fit.
func (p *Pipe) Push(ctx context.Context, b []byte) (int, error) {
	written := 0
	for written < len(b) {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return written, ErrClosed
		}
		n := len(b) - written
		if p.capacity > 0 {
			if free := p.capacity - (len(p.buf) - p.head); free < n {
				n = free
			}
		}
		if n > 0 {
			p.compactLocked(n)
			p.buf = append(p.buf, b[written:written+n]...)
			written += n
		}
		p.mu.Unlock()

		if n > 0 {
			p.pushed.Add(int64(n))
			notify(p.notEmpty)
			continue
		}

		select {
		case <-p.notFull:
		case <-p.done:
		case <-ctx.Done():
			return written, ctx.Err()
		}
	}
	return written, nil
}

// Pop dequeues up to len(dst) bytes, blocking while the pipe is empty. Bytes
// queued before Close remain poppable; once the pipe is closed and drained Pop
// returns 0 and io.EOF. A non-empty dst never yields 0 with a nil error.
func (p *Pipe) Pop(ctx context.Context, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	for {
		p.mu.Lock()
		if len(p.buf) > p.head {
			n := copy(dst, p.buf[p.head:])
			p.head += n
			if p.head == len(p.buf) {
				p.buf = p.buf[:0]
				p.head = 0
			}
			p.mu.Unlock()

			p.popped.Add(int64(n))
			notify(p.notFull)
			return n, nil
		}
		closed := p.closed
		p.mu.Unlock()

		if closed {
			return 0, io.EOF
		}

		select {
		case <-p.notEmpty:
		case <-p.done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close marks the pipe closed and wakes all blocked callers. It is safe to
// call more than once.
func (p *Pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	return nil
}

// Closed reports whether Close has been called.
func (p *Pipe) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Len returns the number of bytes currently queued.
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) - p.head
}

// Cap returns the configured capacity, 0 for an unbounded pipe.
func (p *Pipe) Cap() int {
	return p.capacity
}

// Stats is a snapshot of cumulative pipe traffic.
type Stats struct {
	Pushed   int64 `json:"pushed" yaml:"pushed"`
	Popped   int64 `json:"popped" yaml:"popped"`
	Queued   int   `json:"queued" yaml:"queued"`
	Capacity int   `json:"capacity" yaml:"capacity"`
}

// Stats returns cumulative pushed/popped counts and the current depth.
func (p *Pipe) Stats() Stats {
	return Stats{
		Pushed:   p.pushed.Load(),
		Popped:   p.popped.Load(),
		Queued:   p.Len(),
		Capacity: p.capacity,
	}
}

// compactLocked slides queued bytes to the front of buf when appending n more
// would otherwise reallocate.
func (p *Pipe) compactLocked(n int) {
	if p.head == 0 || len(p.buf)+n <= cap(p.buf) {
		return
	}
	m := copy(p.buf, p.buf[p.head:])
	p.buf = p.buf[:m]
	p.head = 0
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
