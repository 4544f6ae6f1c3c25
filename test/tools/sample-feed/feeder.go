package main

import "io"

// ramp returns n bytes carrying a rising pair of 3-bit samples with the FIFO
// error flag set (no error).
func ramp(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		s0 := byte(i) & 0x07
		s1 := byte(i+1) & 0x07
		b[i] = s0<<5 | s1<<2 | 0x01
	}
	return b
}

// feeder replays data cyclically up to limit bytes, clearing the error flag
// of the byte at faultAt.
type feeder struct {
	data    []byte
	limit   int64
	faultAt int64
	off     int64
}

func newFeeder(data []byte, limit, faultAt int64) *feeder {
	return &feeder{data: data, limit: limit, faultAt: faultAt}
}

func (f *feeder) Read(p []byte) (int, error) {
	if f.off >= f.limit || len(f.data) == 0 {
		return 0, io.EOF
	}
	p = p[:min(int64(len(p)), f.limit-f.off)]

	n := 0
	for n < len(p) {
		pos := int((f.off + int64(n)) % int64(len(f.data)))
		n += copy(p[n:], f.data[pos:])
	}
	if f.faultAt >= f.off && f.faultAt < f.off+int64(n) {
		p[f.faultAt-f.off] &^= 0x01
	}
	f.off += int64(n)
	return n, nil
}
