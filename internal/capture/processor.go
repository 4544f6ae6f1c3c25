package capture

import (
	"context"
	"log/slog"

	"github.com/zsiec/samplegrab/internal/observe"
)

// DefaultFlushBytes is the number of bytes discarded at the start of a
// capture while the front end's FIFO settles.
const DefaultFlushBytes = 50_000

// SamplesPerByte is the number of 3-bit samples packed into each byte.
const SamplesPerByte = 2

// FaultFlagged reports whether b carries the FIFO error flag. The flag is
// bit 0 and active low.
//
// Byte layout: [7:5] sample 0, [4:2] sample 1, [1] unused, [0] error flag.
func FaultFlagged(b byte) bool {
	return b&0x01 == 0
}

// Forwarder is the producer side of the pipe feeding the persistence worker.
type Forwarder interface {
	Push(ctx context.Context, b []byte) (int, error)
}

// Processor applies the flush policy, fault check and stop conditions to
// every chunk delivered by a capture source. HandleChunk is called from the
// source's streaming goroutine only.
type Processor struct {
	log     *slog.Logger
	state   *State
	out     Forwarder
	flush   int64
	verbose bool
	metrics *observe.Metrics
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Processor) {
		if log != nil {
			p.log = log
		}
	}
}

// WithFlushBytes overrides DefaultFlushBytes. Negative values are treated
// as zero.
func WithFlushBytes(n int64) Option {
	return func(p *Processor) { p.flush = max(n, 0) }
}

// WithVerbose enables a progress line for every chunk that carries progress.
func WithVerbose(v bool) Option {
	return func(p *Processor) { p.verbose = v }
}

// WithMetrics records counters into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) {
		if m != nil {
			p.metrics = m
		}
	}
}

// NewProcessor creates a Processor over state. out may be nil when the
// capture is not being persisted; bytes are then counted but not forwarded,
// and the fault check is skipped.
func NewProcessor(state *State, out Forwarder, opts ...Option) *Processor {
	p := &Processor{
		log:     slog.Default(),
		state:   state,
		out:     out,
		flush:   DefaultFlushBytes,
		metrics: observe.Discard(),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("component", "receive")
	return p
}

// HandleChunk processes one chunk and returns true when the source should
// stop streaming. The chunk is copied into the pipe before HandleChunk
// returns, so the caller may reuse it.
//
// Pushing ignores cancellation of ctx: a stop request cancels the streaming
// context, but the bytes of a chunk that was already accepted are still
// handed to the writer. A closed pipe still ends the push promptly.
func (p *Processor) HandleChunk(ctx context.Context, chunk []byte, progress *Progress) bool {
	if n := int64(len(chunk)); n > 0 {
		p.state.chunks.Add(1)
		p.metrics.Chunks.Add(ctx, 1)
		p.metrics.ChunkSize.Record(ctx, n)
		p.metrics.BytesReceived.Add(ctx, n)

		before := p.state.received.Add(n) - n
		var skip int64
		if before < p.flush {
			skip = min(p.flush-before, n)
			p.metrics.BytesFlushed.Add(ctx, skip)
		}

		if fwd := chunk[skip:]; len(fwd) > 0 {
			if p.out != nil {
				p.checkFaults(ctx, fwd, p.state.forwarded.Load())
				if _, err := p.out.Push(context.WithoutCancel(ctx), fwd); err != nil {
					p.log.Warn("writer stopped accepting data", "error", err)
					p.requestStop(ctx, StopWriteFailed)
				}
			}
			p.state.forwarded.Add(int64(len(fwd)))
			p.metrics.BytesForwarded.Add(ctx, int64(len(fwd)))
		}
	}

	if target := p.state.Target(); target > 0 && p.state.Forwarded() >= target {
		p.requestStop(ctx, StopTargetReached)
	}

	if p.verbose && progress != nil {
		p.log.Info(progress.String())
	}

	return p.state.StopRequested()
}

// checkFaults scans every byte of fwd. The first flagged byte logs its
// absolute sample index and requests a stop; the rest of the chunk is still
// scanned and forwarded.
func (p *Processor) checkFaults(ctx context.Context, fwd []byte, base int64) {
	first := -1
	var count int64
	for i, b := range fwd {
		if FaultFlagged(b) {
			if first < 0 {
				first = i
			}
			count++
		}
	}
	if first < 0 {
		return
	}

	index := base + int64(first)
	p.state.recordFault(index, count)
	p.metrics.Faults.Add(ctx, count)
	p.log.Warn("FPGA FIFO error flag", "sample", index, "flagged", count)
	p.requestStop(ctx, StopFault)
}

func (p *Processor) requestStop(ctx context.Context, reason StopReason) {
	if p.state.StopRequested() {
		return
	}
	p.state.RequestStop(reason)
	p.metrics.RecordStop(ctx, reason.String())
}
