package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/samplegrab/internal/capture"
	"github.com/zsiec/samplegrab/internal/observe"
)

// DefaultSliceSize is the number of bytes popped from the pipe per write.
const DefaultSliceSize = 50

// Popper is the consumer side of the capture pipe.
type Popper interface {
	Pop(ctx context.Context, dst []byte) (int, error)
	Close() error
}

// Worker drains a Popper into an io.Writer in fixed-size slices.
type Worker struct {
	log     *slog.Logger
	src     Popper
	dst     io.Writer
	state   *capture.State
	slice   int
	metrics *observe.Metrics

	written atomic.Int64
	writes  atomic.Int64
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// WithSliceSize overrides DefaultSliceSize. Non-positive values are ignored.
func WithSliceSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.slice = n
		}
	}
}

// WithMetrics records written bytes and write latency into m.
func WithMetrics(m *observe.Metrics) WorkerOption {
	return func(w *Worker) {
		if m != nil {
			w.metrics = m
		}
	}
}

// NewWorker creates a Worker moving bytes from src to dst.
func NewWorker(src Popper, dst io.Writer, state *capture.State, opts ...WorkerOption) *Worker {
	w := &Worker{
		log:     slog.Default(),
		src:     src,
		dst:     dst,
		state:   state,
		slice:   DefaultSliceSize,
		metrics: observe.Discard(),
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With("component", "writer")
	return w
}

// Run drains the pipe until it is closed and empty, so every byte pushed
// before the pipe was closed reaches dst. A write failure requests a capture
// stop, closes the pipe to release a producer blocked on it, and is returned.
func (w *Worker) Run(ctx context.Context) error {
	buf := make([]byte, w.slice)
	w.log.Debug("writer started", "slice", w.slice)

	for {
		n, err := w.src.Pop(ctx, buf)
		if n > 0 {
			start := time.Now()
			if _, werr := w.dst.Write(buf[:n]); werr != nil {
				w.log.Error("error writing to file", "error", werr, "written", w.written.Load())
				w.fail(ctx)
				return fmt.Errorf("write output: %w", werr)
			}
			w.metrics.WriteDuration.Record(ctx, time.Since(start).Seconds())
			w.metrics.BytesWritten.Add(ctx, int64(n))
			w.written.Add(int64(n))
			w.writes.Add(1)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				w.log.Debug("writer drained", "written", w.written.Load(), "writes", w.writes.Load())
				return nil
			}
			w.fail(ctx)
			return fmt.Errorf("read pipe: %w", err)
		}
	}
}

// Written returns the number of bytes handed to dst.
func (w *Worker) Written() int64 { return w.written.Load() }

func (w *Worker) fail(ctx context.Context) {
	if !w.state.StopRequested() {
		w.state.RequestStop(capture.StopWriteFailed)
		w.metrics.RecordStop(ctx, capture.StopWriteFailed.String())
	}
	w.src.Close()
}
