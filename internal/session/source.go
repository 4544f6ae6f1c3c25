// Package session runs one capture from start to a clean shutdown: it wires
// the capture source, receive processor, pipe and persistence worker
// together and tears them down in drain-then-close order.
package session

import (
	"context"

	"github.com/zsiec/samplegrab/internal/capture"
)

// ChunkFunc is invoked by a Source for every chunk it receives. Returning
// true tells the source to stop streaming.
type ChunkFunc func(ctx context.Context, chunk []byte, progress *capture.Progress) bool

// Source is a callback-driven byte source, normally a USB capture device.
//
// Stream blocks, calling fn with each chunk of up to chunkSize bytes, until fn
// returns true, ctx ends, or the transport fails. depth is the number of reads
// the source may keep in flight. The source places the device in raw
// streaming mode before the first chunk; Close restores the device's normal
// mode and releases it.
type Source interface {
	Stream(ctx context.Context, chunkSize, depth int, fn ChunkFunc) error
	Close() error
}
