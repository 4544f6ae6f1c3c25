package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingForwarder collects every pushed byte.
type recordingForwarder struct {
	mu     sync.Mutex
	data   []byte
	pushes int
	err    error
}

func (f *recordingForwarder) Push(_ context.Context, b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.data = append(f.data, b...)
	f.pushes++
	return len(b), nil
}

func (f *recordingForwarder) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// valid returns n bytes with the error flag clear (bit 0 set).
func valid(n int, start byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = (start+byte(i))<<1 | 0x01
	}
	return b
}

func TestFaultFlagged(t *testing.T) {
	t.Parallel()

	tests := []struct {
		b    byte
		want bool
	}{
		{0x00, true},
		{0x01, false},
		{0xFE, true},
		{0xFF, false},
		{0b1010_1100, true},
		{0b1010_1101, false},
	}
	for _, tc := range tests {
		if got := FaultFlagged(tc.b); got != tc.want {
			t.Errorf("FaultFlagged(%#08b) = %v, want %v", tc.b, got, tc.want)
		}
	}
}

func TestFlushThresholdByteExact(t *testing.T) {
	t.Parallel()

	state := NewState(0)
	fwd := &recordingForwarder{}
	p := NewProcessor(state, fwd, WithFlushBytes(10), WithLogger(discardLogger()))

	chunks := [][]byte{valid(4, 0), valid(4, 4), valid(4, 8)}
	for i, c := range chunks {
		if stop := p.HandleChunk(context.Background(), c, nil); stop {
			t.Fatalf("chunk %d: unexpected stop", i)
		}
		if i < 2 && len(fwd.bytes()) != 0 {
			t.Fatalf("chunk %d: forwarded %d bytes before threshold", i, len(fwd.bytes()))
		}
	}

	got := fwd.bytes()
	want := chunks[2][2:]
	if !bytes.Equal(got, want) {
		t.Fatalf("forwarded %x, want %x", got, want)
	}
	if discarded := state.Received() - state.Forwarded(); discarded != 10 {
		t.Errorf("discarded: got %d, want 10", discarded)
	}
	if state.Received() != 12 {
		t.Errorf("Received: got %d, want 12", state.Received())
	}
	if state.Forwarded() != 2 {
		t.Errorf("Forwarded: got %d, want 2", state.Forwarded())
	}
}

func TestFlushThresholdVariousChunkings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		threshold int64
		sizes     []int
	}{
		{name: "threshold on boundary", threshold: 8, sizes: []int{4, 4, 4}},
		{name: "single large chunk", threshold: 5, sizes: []int{20}},
		{name: "zero threshold", threshold: 0, sizes: []int{3, 3}},
		{name: "never reached", threshold: 100, sizes: []int{10, 10}},
		{name: "one byte chunks", threshold: 3, sizes: []int{1, 1, 1, 1, 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			state := NewState(0)
			fwd := &recordingForwarder{}
			p := NewProcessor(state, fwd, WithFlushBytes(tc.threshold), WithLogger(discardLogger()))

			var all []byte
			for _, n := range tc.sizes {
				c := valid(n, byte(len(all)))
				all = append(all, c...)
				p.HandleChunk(context.Background(), c, nil)
			}

			skip := min(int(tc.threshold), len(all))
			if got := fwd.bytes(); !bytes.Equal(got, all[skip:]) {
				t.Errorf("forwarded %x, want %x", got, all[skip:])
			}
			if got := state.Forwarded(); got != int64(len(all)-skip) {
				t.Errorf("Forwarded: got %d, want %d", got, len(all)-skip)
			}
		})
	}
}

func TestFaultRequestsStopWithoutDroppingBytes(t *testing.T) {
	t.Parallel()

	var logBuf bytes.Buffer
	state := NewState(0)
	fwd := &recordingForwarder{}
	p := NewProcessor(state, fwd,
		WithFlushBytes(0),
		WithLogger(slog.New(slog.NewTextHandler(&logBuf, nil))),
	)

	if stop := p.HandleChunk(context.Background(), valid(6, 0), nil); stop {
		t.Fatal("clean chunk requested stop")
	}

	chunk := valid(8, 6)
	chunk[3] &^= 0x01
	chunk[5] &^= 0x01

	if stop := p.HandleChunk(context.Background(), chunk, nil); !stop {
		t.Fatal("fault chunk did not request stop")
	}
	if state.Reason() != StopFault {
		t.Errorf("Reason: got %v, want %v", state.Reason(), StopFault)
	}
	if got := fwd.bytes(); len(got) != 14 || !bytes.Equal(got[6:], chunk) {
		t.Errorf("fault chunk bytes not forwarded verbatim: %x", got)
	}
	if state.FirstFault() != 9 {
		t.Errorf("FirstFault: got %d, want 9", state.FirstFault())
	}
	if state.Faults() != 2 {
		t.Errorf("Faults: got %d, want 2", state.Faults())
	}
	if n := strings.Count(logBuf.String(), "FPGA FIFO error flag"); n != 1 {
		t.Errorf("fault diagnostics: got %d, want 1 per chunk", n)
	}
	if !strings.Contains(logBuf.String(), "sample=9") {
		t.Errorf("diagnostic missing sample index: %s", logBuf.String())
	}
}

func TestFaultIgnoredWithoutOutput(t *testing.T) {
	t.Parallel()

	state := NewState(0)
	p := NewProcessor(state, nil, WithFlushBytes(0), WithLogger(discardLogger()))

	if stop := p.HandleChunk(context.Background(), []byte{0x00, 0x00}, nil); stop {
		t.Fatal("fault check ran without an output")
	}
	if state.Forwarded() != 2 {
		t.Errorf("Forwarded: got %d, want 2", state.Forwarded())
	}
}

func TestTargetReachedIsSticky(t *testing.T) {
	t.Parallel()

	state := NewState(10)
	p := NewProcessor(state, &recordingForwarder{}, WithFlushBytes(0), WithLogger(discardLogger()))

	if p.HandleChunk(context.Background(), valid(6, 0), nil) {
		t.Fatal("stopped before target")
	}
	if !p.HandleChunk(context.Background(), valid(6, 6), nil) {
		t.Fatal("did not stop at target")
	}
	if state.Reason() != StopTargetReached {
		t.Errorf("Reason: got %v, want %v", state.Reason(), StopTargetReached)
	}
	for i := 0; i < 3; i++ {
		if !p.HandleChunk(context.Background(), nil, nil) {
			t.Fatalf("stop flag reset on call %d", i)
		}
	}
}

func TestTargetCountsWithoutOutput(t *testing.T) {
	t.Parallel()

	state := NewState(4)
	p := NewProcessor(state, nil, WithFlushBytes(2), WithLogger(discardLogger()))

	if p.HandleChunk(context.Background(), valid(5, 0), nil) {
		t.Fatal("stopped with 3 forwarded bytes, target 4")
	}
	if !p.HandleChunk(context.Background(), valid(1, 5), nil) {
		t.Fatal("did not stop once forwarded reached target")
	}
}

func TestEmptyChunkIsNoop(t *testing.T) {
	t.Parallel()

	state := NewState(0)
	fwd := &recordingForwarder{}
	p := NewProcessor(state, fwd, WithFlushBytes(0), WithLogger(discardLogger()))

	if p.HandleChunk(context.Background(), []byte{}, nil) {
		t.Fatal("empty chunk requested stop")
	}
	if state.Received() != 0 || state.Chunks() != 0 || fwd.pushes != 0 {
		t.Errorf("empty chunk changed state: received=%d chunks=%d pushes=%d",
			state.Received(), state.Chunks(), fwd.pushes)
	}
}

func TestInterruptObservedByHandleChunk(t *testing.T) {
	t.Parallel()

	state := NewState(0)
	p := NewProcessor(state, nil, WithLogger(discardLogger()))

	state.RequestStop(StopInterrupted)
	state.RequestStop(StopInterrupted)
	state.RequestStop(StopFault)

	if !p.HandleChunk(context.Background(), valid(3, 0), nil) {
		t.Fatal("HandleChunk ignored interrupt")
	}
	if state.Reason() != StopInterrupted {
		t.Errorf("Reason: got %v, want %v", state.Reason(), StopInterrupted)
	}
}

func TestPushFailureRequestsStop(t *testing.T) {
	t.Parallel()

	state := NewState(0)
	fwd := &recordingForwarder{err: errors.New("pipe: closed")}
	p := NewProcessor(state, fwd, WithFlushBytes(0), WithLogger(discardLogger()))

	if !p.HandleChunk(context.Background(), valid(4, 0), nil) {
		t.Fatal("push failure did not request stop")
	}
	if state.Reason() != StopWriteFailed {
		t.Errorf("Reason: got %v, want %v", state.Reason(), StopWriteFailed)
	}
}

func TestVerboseProgressLine(t *testing.T) {
	t.Parallel()

	var logBuf bytes.Buffer
	state := NewState(0)
	p := NewProcessor(state, nil,
		WithVerbose(true),
		WithLogger(slog.New(slog.NewTextHandler(&logBuf, nil))),
	)

	p.HandleChunk(context.Background(), valid(1, 0), &Progress{
		TotalTime:   2500 * time.Millisecond,
		TotalBytes:  3 * 1024 * 1024,
		CurrentRate: 2048,
		TotalRate:   1024,
	})

	out := logBuf.String()
	for _, want := range []string{"2.50s total time", "3.000 MiB captured", "2.0 kB/s curr", "1.0 kB/s total"} {
		if !strings.Contains(out, want) {
			t.Errorf("progress line missing %q: %s", want, out)
		}
	}

	logBuf.Reset()
	p.HandleChunk(context.Background(), valid(1, 0), nil)
	if logBuf.Len() != 0 {
		t.Errorf("progress logged without telemetry: %s", logBuf.String())
	}
}
