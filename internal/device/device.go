// Package device reads raw sample bytes from the capture front end. The
// front end must be in synchronous FIFO mode and exposed as a character
// device (a USB serial tty) or a named pipe.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/zsiec/samplegrab/internal/capture"
	"github.com/zsiec/samplegrab/internal/session"
)

// ErrNotCharDevice is returned by Open when the path is neither a character
// device nor a named pipe.
var ErrNotCharDevice = errors.New("not a character device")

// DefaultProgressInterval is how often a chunk carries transfer progress.
const DefaultProgressInterval = time.Second

// Device is a session.Source backed by a readable stream.
type Device struct {
	log      *slog.Logger
	name     string
	r        io.ReadCloser
	interval time.Duration
	now      func() time.Time

	purge   func() error
	restore func() error

	closeOnce sync.Once
	closeErr  error
}

var _ session.Source = (*Device)(nil)

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(d *Device) {
		if log != nil {
			d.log = log
		}
	}
}

// WithProgressInterval sets how often progress is attached to a chunk.
func WithProgressInterval(iv time.Duration) Option {
	return func(d *Device) {
		if iv > 0 {
			d.interval = iv
		}
	}
}

// Open opens the device at path for reading. A tty is switched to raw mode
// (and to baud, when non-zero); Close restores its original mode.
func Open(path string, baud int, opts ...Option) (*Device, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	if m := fi.Mode(); m&os.ModeCharDevice == 0 && m&os.ModeNamedPipe == 0 {
		return nil, fmt.Errorf("open device %q: %w", path, ErrNotCharDevice)
	}

	f, err := os.OpenFile(path, os.O_RDONLY|openFlags, 0)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	t, err := configure(f, baud)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("configure device %q: %w", path, err)
	}

	d := NewReader(path, f, opts...)
	d.purge = t.purge
	d.restore = t.restore
	d.log.Debug("device opened", "tty", t.isTTY, "baud", baud)
	return d, nil
}

// NewReader wraps an already open stream as a Device. name is used in logs
// and errors.
func NewReader(name string, r io.ReadCloser, opts ...Option) *Device {
	d := &Device{
		log:      slog.Default(),
		name:     name,
		r:        r,
		interval: DefaultProgressInterval,
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With("component", "device", "device", name)
	return d
}

// Stream reads chunks of up to chunkSize bytes and hands them to fn in order
// until fn returns true, ctx ends or the device fails. Up to depth chunks
// are read ahead of fn so the device is drained while fn runs.
//
// End of stream from the device returns nil. A chunk passed to fn is only
// valid for the duration of the call.
func (d *Device) Stream(ctx context.Context, chunkSize, depth int, fn session.ChunkFunc) error {
	if chunkSize <= 0 {
		chunkSize = session.DefaultChunkSize
	}
	if depth <= 0 {
		depth = session.DefaultDepth
	}
	if dl, ok := d.r.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = dl.SetReadDeadline(time.Time{})
	}
	if d.purge != nil {
		if err := d.purge(); err != nil {
			d.log.Warn("can't purge pending input", "error", err)
		}
	}

	free := make(chan []byte, depth)
	for range depth {
		free <- make([]byte, chunkSize)
	}
	filled := make(chan []byte, depth)
	readErr := make(chan error, 1)
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(filled)
		for {
			var buf []byte
			select {
			case buf = <-free:
			case <-stop:
				return
			}
			n, err := d.r.Read(buf[:cap(buf)])
			if n > 0 {
				select {
				case filled <- buf[:n]:
				case <-stop:
					return
				}
			} else {
				free <- buf[:cap(buf)]
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()
	defer func() {
		close(stop)
		// A reader without deadlines stays blocked until Close.
		if d.interruptRead() == nil {
			wg.Wait()
		}
	}()

	d.log.Debug("streaming", "chunk_size", chunkSize, "depth", depth)
	meter := capture.NewProgressMeter(d.now(), d.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf, ok := <-filled:
			if !ok {
				err := <-readErr
				if errors.Is(err, io.EOF) {
					d.log.Info("device ended the stream", "bytes", meter.Total())
					return nil
				}
				return fmt.Errorf("read %s: %w", d.name, err)
			}
			progress := meter.Add(d.now(), len(buf))
			done := fn(ctx, buf, progress)
			free <- buf[:cap(buf)]
			if done {
				return nil
			}
		}
	}
}

func (d *Device) interruptRead() error {
	dl, ok := d.r.(interface{ SetReadDeadline(time.Time) error })
	if !ok {
		return errors.ErrUnsupported
	}
	return dl.SetReadDeadline(time.Now())
}

// Close restores the device's original mode and closes it. It is safe to
// call more than once.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if d.restore != nil {
			if err := d.restore(); err != nil {
				errs = append(errs, fmt.Errorf("restore terminal mode: %w", err))
			}
		}
		if err := d.r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", d.name, err))
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}
