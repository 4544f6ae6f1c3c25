// Package capture holds the shared capture state and the receive processor
// that validates and forwards each chunk delivered by the capture source.
package capture

import (
	"sync"
	"sync/atomic"
	"time"
)

// StopReason records why a capture stopped. Only the first reason is kept.
type StopReason int32

// Stop reasons, in no particular priority order.
const (
	StopNone StopReason = iota
	StopInterrupted
	StopTargetReached
	StopFault
	StopWriteFailed
	StopSourceEnded
)

// String returns the lower-case name used in logs and reports.
func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopInterrupted:
		return "interrupted"
	case StopTargetReached:
		return "target-reached"
	case StopFault:
		return "fifo-fault"
	case StopWriteFailed:
		return "write-failed"
	case StopSourceEnded:
		return "source-ended"
	default:
		return "unknown"
	}
}

// State is the process-wide capture state shared by the receive processor,
// the persistence worker and the interrupt handler. All methods are safe for
// concurrent use; stop requests are set-once and never reset.
type State struct {
	StartedAt time.Time

	target int64

	received  atomic.Int64
	forwarded atomic.Int64
	chunks    atomic.Int64
	faults    atomic.Int64
	// firstFault is the absolute sample index of the first flagged byte, -1
	// until one is seen.
	firstFault atomic.Int64

	stopped atomic.Bool
	reason  atomic.Int32
	done    chan struct{}
	once    sync.Once
}

// NewState creates a State with the given byte target. A target of 0 means
// the capture runs until stopped by some other condition.
func NewState(target int64) *State {
	if target < 0 {
		target = 0
	}
	s := &State{
		StartedAt: time.Now(),
		target:    target,
		done:      make(chan struct{}),
	}
	s.firstFault.Store(-1)
	return s
}

// Target returns the configured byte target, 0 if unbounded.
func (s *State) Target() int64 { return s.target }

// Received returns the total bytes seen, including flushed ones.
func (s *State) Received() int64 { return s.received.Load() }

// Forwarded returns the total bytes accepted past the flush threshold.
func (s *State) Forwarded() int64 { return s.forwarded.Load() }

// Chunks returns the number of non-empty chunks processed.
func (s *State) Chunks() int64 { return s.chunks.Load() }

// Faults returns the number of fault-flagged bytes observed.
func (s *State) Faults() int64 { return s.faults.Load() }

// FirstFault returns the sample index of the first fault-flagged byte, or -1.
func (s *State) FirstFault() int64 { return s.firstFault.Load() }

// RequestStop sets the stop flag. The first caller's reason is recorded and
// Done is closed; later calls are no-ops. It performs no allocation or I/O so
// it is safe to call from an interrupt handler.
func (s *State) RequestStop(reason StopReason) {
	if s.stopped.CompareAndSwap(false, true) {
		s.reason.Store(int32(reason))
		s.once.Do(func() { close(s.done) })
	}
}

// StopRequested reports whether any stop has been requested.
func (s *State) StopRequested() bool { return s.stopped.Load() }

// Reason returns the reason recorded by the first stop request.
func (s *State) Reason() StopReason { return StopReason(s.reason.Load()) }

// Done returns a channel closed on the first stop request.
func (s *State) Done() <-chan struct{} { return s.done }

// Stats is a point-in-time snapshot of capture counters.
type Stats struct {
	BytesReceived  int64  `json:"bytesReceived" yaml:"bytes_received"`
	BytesForwarded int64  `json:"bytesForwarded" yaml:"bytes_forwarded"`
	TargetBytes    int64  `json:"targetBytes" yaml:"target_bytes"`
	Chunks         int64  `json:"chunks" yaml:"chunks"`
	Faults         int64  `json:"faults" yaml:"faults"`
	FirstFault     int64  `json:"firstFault" yaml:"first_fault"`
	StopReason     string `json:"stopReason" yaml:"stop_reason"`
	UptimeMs       int64  `json:"uptimeMs" yaml:"uptime_ms"`
}

// Stats returns a snapshot of the capture counters.
func (s *State) Stats() Stats {
	return Stats{
		BytesReceived:  s.received.Load(),
		BytesForwarded: s.forwarded.Load(),
		TargetBytes:    s.target,
		Chunks:         s.chunks.Load(),
		Faults:         s.faults.Load(),
		FirstFault:     s.firstFault.Load(),
		StopReason:     s.Reason().String(),
		UptimeMs:       time.Since(s.StartedAt).Milliseconds(),
	}
}

func (s *State) recordFault(index int64, count int64) {
	s.faults.Add(count)
	s.firstFault.CompareAndSwap(-1, index)
}
