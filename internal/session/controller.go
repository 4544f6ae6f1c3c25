package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/samplegrab/internal/capture"
	"github.com/zsiec/samplegrab/internal/observe"
	"github.com/zsiec/samplegrab/internal/persist"
	"github.com/zsiec/samplegrab/internal/pipe"
)

// Phase is the lifecycle position of a Controller.
type Phase int32

// Controller phases, in order.
const (
	PhaseIdle Phase = iota
	PhaseStreaming
	PhaseDraining
	PhaseClosed
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStreaming:
		return "streaming"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default source parameters.
const (
	DefaultChunkSize = 256
	DefaultDepth     = 8
)

// Config holds the tunables of one capture.
type Config struct {
	// OutputPath is the file samples are written to. Empty disables
	// persistence: no pipe or writer is created.
	OutputPath string
	// OutputBufferSize is the write buffer in front of the file.
	OutputBufferSize int
	// FlushBytes is the number of leading bytes discarded. Zero disables
	// the flush; callers wanting capture.DefaultFlushBytes must set it.
	FlushBytes int64
	// SliceSize is the number of bytes the writer pops per write.
	SliceSize int
	// PipeCapacity bounds the pipe in bytes; 0 is unbounded.
	PipeCapacity int
	// ChunkSize and Depth are passed through to the Source.
	ChunkSize int
	Depth     int
	// Verbose logs transfer progress for every chunk that carries it.
	Verbose bool
}

// SinkOpener opens the output for a capture.
type SinkOpener func(path string, bufSize int) (io.WriteCloser, error)

// Result summarizes a finished capture.
type Result struct {
	capture.Stats

	Output       string      `json:"output,omitempty"`
	BytesWritten int64       `json:"bytesWritten"`
	Pipe         *pipe.Stats `json:"pipe,omitempty"`
	StartedAt    time.Time   `json:"startedAt"`
	EndedAt      time.Time   `json:"endedAt"`
}

// Controller supervises a single capture. It is not reusable.
type Controller struct {
	log      *slog.Logger
	cfg      Config
	src      Source
	state    *capture.State
	metrics  *observe.Metrics
	openSink SinkOpener

	phase atomic.Int32
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics records pipeline metrics into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSinkOpener replaces the file opener, mainly for tests.
func WithSinkOpener(open SinkOpener) Option {
	return func(c *Controller) {
		if open != nil {
			c.openSink = open
		}
	}
}

// New creates a Controller for src. state is shared with the interrupt
// handler; see WatchInterrupts.
func New(cfg Config, state *capture.State, src Source, opts ...Option) *Controller {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	c := &Controller{
		log:     slog.Default(),
		cfg:     cfg,
		src:     src,
		state:   state,
		metrics: observe.Discard(),
		openSink: func(path string, bufSize int) (io.WriteCloser, error) {
			return persist.Create(path, bufSize)
		},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "session")
	return c
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase { return Phase(c.phase.Load()) }

// State returns the shared capture state.
func (c *Controller) State() *capture.State { return c.state }

func (c *Controller) setPhase(p Phase) {
	c.phase.Store(int32(p))
	c.log.Debug("phase", "phase", p)
}

// Run performs the capture and blocks until it has fully shut down. It
// returns once the source has stopped, the writer has drained every byte
// already queued, the output is closed and the source is closed.
//
// Cancelling ctx stops the capture like an interrupt: queued bytes are still
// written and no error is returned for it.
//
// A failure to open the output is logged and the capture continues without
// persistence. A transport error from the source is returned unless a stop
// had already been requested, in which case it is expected shutdown noise.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	res := Result{StartedAt: time.Now()}

	var sink io.WriteCloser
	if c.cfg.OutputPath != "" {
		s, err := c.openSink(c.cfg.OutputPath, c.cfg.OutputBufferSize)
		if err != nil {
			c.log.Warn("can't open output file, samples will not be saved", "path", c.cfg.OutputPath, "error", err)
		} else {
			sink = s
			res.Output = c.cfg.OutputPath
		}
	} else {
		c.log.Debug("no output file, samples will not be saved")
	}

	g, gctx := errgroup.WithContext(ctx)

	var (
		p      *pipe.Pipe
		worker *persist.Worker
		fwd    capture.Forwarder
	)
	if sink != nil {
		p = pipe.New(c.cfg.PipeCapacity)
		fwd = p
		if reg, err := c.metrics.ObservePipeDepth(func() int64 { return int64(p.Len()) }); err == nil {
			defer reg.Unregister()
		}
		worker = persist.NewWorker(p, sink, c.state,
			persist.WithLogger(c.log),
			persist.WithSliceSize(c.cfg.SliceSize),
			persist.WithMetrics(c.metrics),
		)
		// The writer drains until the pipe is closed, even when ctx ends.
		g.Go(func() error {
			return worker.Run(context.WithoutCancel(ctx))
		})
	}

	proc := capture.NewProcessor(c.state, fwd,
		capture.WithLogger(c.log),
		capture.WithFlushBytes(c.cfg.FlushBytes),
		capture.WithVerbose(c.cfg.Verbose),
		capture.WithMetrics(c.metrics),
	)

	// The stream context ends as soon as any stop is requested so a source
	// waiting on a quiet device still returns. Cancelling ctx is an interrupt.
	streamCtx, cancelStream := context.WithCancel(gctx)
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-c.state.Done():
		case <-ctx.Done():
			c.state.RequestStop(capture.StopInterrupted)
		case <-streamCtx.Done():
			return
		}
		c.log.Info("stop requested", "reason", c.state.Reason())
		cancelStream()
	}()

	c.setPhase(PhaseStreaming)
	c.log.Info("capture started",
		"output", res.Output,
		"target_bytes", c.state.Target(),
		"flush_bytes", c.cfg.FlushBytes,
		"chunk_size", c.cfg.ChunkSize,
		"depth", c.cfg.Depth,
	)

	streamErr := c.src.Stream(streamCtx, c.cfg.ChunkSize, c.cfg.Depth, proc.HandleChunk)
	if ctx.Err() != nil {
		c.state.RequestStop(capture.StopInterrupted)
	}
	if streamErr != nil && c.state.StopRequested() {
		c.log.Debug("stream error after stop request suppressed", "error", streamErr)
		streamErr = nil
	}
	c.state.RequestStop(capture.StopSourceEnded)
	cancelStream()
	<-watcherDone

	c.setPhase(PhaseDraining)
	if p != nil {
		p.Close()
	}
	workerErr := g.Wait()

	var errs []error
	if streamErr != nil {
		errs = append(errs, fmt.Errorf("capture stream: %w", streamErr))
	}
	if workerErr != nil {
		errs = append(errs, workerErr)
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}
	c.setPhase(PhaseClosed)

	res.Stats = c.state.Stats()
	res.EndedAt = time.Now()
	if worker != nil {
		res.BytesWritten = worker.Written()
	}
	if p != nil {
		st := p.Stats()
		res.Pipe = &st
	}

	c.log.Info("capture ended",
		"reason", res.StopReason,
		"received", res.BytesReceived,
		"forwarded", res.BytesForwarded,
		"written", res.BytesWritten,
		"faults", res.Faults,
	)
	return res, errors.Join(errs...)
}
