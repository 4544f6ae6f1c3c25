package pipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"
)

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

// drain pops until io.EOF using slices of popSize.
func drain(t *testing.T, p *Pipe, popSize int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, popSize)
	for {
		n, err := p.Pop(context.Background(), buf)
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if n == 0 {
			t.Fatal("Pop returned 0 bytes with nil error")
		}
		out = append(out, buf[:n]...)
	}
}

func TestRoundTripSliceSizes(t *testing.T) {
	t.Parallel()

	data := sequence(1000)
	for _, capacity := range []int{0, 64} {
		for _, pushSize := range []int{1, 7, 50} {
			for _, popSize := range []int{1, 13, 50} {
				name := fmt.Sprintf("cap=%d/push=%d/pop=%d", capacity, pushSize, popSize)
				t.Run(name, func(t *testing.T) {
					t.Parallel()

					p := New(capacity)
					go func() {
						for i := 0; i < len(data); i += pushSize {
							end := min(i+pushSize, len(data))
							if _, err := p.Push(context.Background(), data[i:end]); err != nil {
								t.Errorf("Push: %v", err)
								return
							}
						}
						p.Close()
					}()

					got := drain(t, p, popSize)
					if !bytes.Equal(got, data) {
						t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
					}
				})
			}
		}
	}
}

func TestUnboundedPushDoesNotBlock(t *testing.T) {
	t.Parallel()

	p := New(0)
	data := sequence(3 * unboundedInitial)
	n, err := p.Push(context.Background(), data)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if n != len(data) {
		t.Fatalf("Push = %d, want %d", n, len(data))
	}
	if p.Len() != len(data) {
		t.Fatalf("Len = %d, want %d", p.Len(), len(data))
	}
	p.Close()
	if got := drain(t, p, 4096); !bytes.Equal(got, data) {
		t.Fatal("unbounded drain mismatch")
	}
}

func TestBoundedPushBlocksUntilPop(t *testing.T) {
	t.Parallel()

	p := New(4)
	pushed := make(chan int, 1)
	go func() {
		n, _ := p.Push(context.Background(), []byte{1, 2, 3, 4, 5, 6})
		pushed <- n
	}()

	// The producer fills the pipe and then waits for space.
	deadline := time.After(2 * time.Second)
	for p.Len() != 4 {
		select {
		case <-deadline:
			t.Fatalf("Len = %d, want 4", p.Len())
		default:
			time.Sleep(time.Millisecond)
		}
	}
	select {
	case n := <-pushed:
		t.Fatalf("Push returned %d while pipe was full", n)
	case <-time.After(20 * time.Millisecond):
	}

	buf := make([]byte, 3)
	if n, err := p.Pop(context.Background(), buf); err != nil || n != 3 {
		t.Fatalf("Pop = %d, %v; want 3, nil", n, err)
	}

	select {
	case n := <-pushed:
		if n != 6 {
			t.Fatalf("Push = %d, want 6", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Push did not resume after Pop")
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	t.Parallel()

	const capacity = 10
	p := New(capacity)
	data := sequence(5000)

	go func() {
		for i := 0; i < len(data); i += 7 {
			end := min(i+7, len(data))
			p.Push(context.Background(), data[i:end])
		}
		p.Close()
	}()

	var got []byte
	buf := make([]byte, 3)
	for {
		if l := p.Len(); l > capacity {
			t.Fatalf("Len = %d exceeds capacity %d", l, capacity)
		}
		n, err := p.Pop(context.Background(), buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("bounded drain mismatch")
	}
}

func TestCloseWakesBlockedPop(t *testing.T) {
	t.Parallel()

	p := New(0)
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Pop(context.Background(), make([]byte, 8))
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		if err != io.EOF {
			t.Fatalf("Pop after Close: got %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake blocked Pop")
	}
}

func TestCloseWakesBlockedPushWithShortCount(t *testing.T) {
	t.Parallel()

	p := New(2)
	type result struct {
		n   int
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		n, err := p.Push(context.Background(), []byte{1, 2, 3, 4, 5})
		resCh <- result{n, err}
	}()

	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case res := <-resCh:
		if !errors.Is(res.err, ErrClosed) {
			t.Fatalf("Push error: got %v, want ErrClosed", res.err)
		}
		if res.n != 2 {
			t.Fatalf("Push count: got %d, want 2", res.n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake blocked Push")
	}
}

func TestPopDrainsAfterClose(t *testing.T) {
	t.Parallel()

	p := New(0)
	p.Push(context.Background(), []byte("abcdef"))
	p.Close()

	if _, err := p.Push(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Push after Close: got %v, want ErrClosed", err)
	}
	if got := drain(t, p, 4); string(got) != "abcdef" {
		t.Fatalf("drain after Close: got %q, want %q", got, "abcdef")
	}
	if !p.Closed() {
		t.Fatal("Closed() = false after Close")
	}
	// Close is idempotent.
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPopContextCancel(t *testing.T) {
	t.Parallel()

	p := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Pop(ctx, make([]byte, 1))
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Pop error: got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not wake Pop")
	}
}

func TestConcurrentRandomSizes(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 200_000)
	rng.Read(data)

	p := New(1024)
	go func() {
		r := rand.New(rand.NewSource(2))
		for i := 0; i < len(data); {
			end := min(i+1+r.Intn(700), len(data))
			p.Push(context.Background(), data[i:end])
			i = end
		}
		p.Close()
	}()

	got := drain(t, p, 50)
	if !bytes.Equal(got, data) {
		t.Fatalf("concurrent round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}

	stats := p.Stats()
	if stats.Pushed != int64(len(data)) || stats.Popped != int64(len(data)) {
		t.Errorf("Stats = %+v, want pushed=popped=%d", stats, len(data))
	}
	if stats.Capacity != 1024 {
		t.Errorf("Capacity: got %d, want 1024", stats.Capacity)
	}
}
