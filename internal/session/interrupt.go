package session

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/zsiec/samplegrab/internal/capture"
)

// WatchInterrupts arms an interrupt handler that requests a capture stop
// when one of sigs arrives. With no sigs it watches SIGINT and SIGTERM.
// The handler does nothing but set the stop flag; repeated signals are
// harmless. disarm restores the default signal disposition.
func WatchInterrupts(state *capture.State, sigs ...os.Signal) (disarm func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, sigs...)

	go func() {
		for {
			select {
			case <-ch:
				state.RequestStop(capture.StopInterrupted)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
