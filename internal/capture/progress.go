package capture

import (
	"fmt"
	"time"
)

// Progress is the transfer telemetry a source may attach to a chunk.
type Progress struct {
	// TotalTime is the time since streaming started.
	TotalTime time.Duration
	// TotalBytes is the number of bytes delivered since streaming started.
	TotalBytes int64
	// CurrentRate is bytes per second over the most recent interval.
	CurrentRate float64
	// TotalRate is bytes per second since streaming started.
	TotalRate float64
}

// CapturedMiB returns TotalBytes in mebibytes.
func (p *Progress) CapturedMiB() float64 {
	return float64(p.TotalBytes) / (1024 * 1024)
}

// String formats the progress as a fixed-width status line.
func (p *Progress) String() string {
	return fmt.Sprintf("%10.02fs total time %9.3f MiB captured %7.1f kB/s curr %7.1f kB/s total",
		p.TotalTime.Seconds(),
		p.CapturedMiB(),
		p.CurrentRate/1024,
		p.TotalRate/1024,
	)
}

// ProgressMeter turns a running byte count into Progress records, refreshing
// the current rate at most once per interval.
type ProgressMeter struct {
	interval time.Duration
	start    time.Time
	last     time.Time
	lastN    int64
	total    int64
	current  Progress
}

// NewProgressMeter starts a meter at now. A non-positive interval defaults to
// one second.
func NewProgressMeter(now time.Time, interval time.Duration) *ProgressMeter {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressMeter{interval: interval, start: now, last: now}
}

// Add records n more bytes at time now and returns a Progress when a full
// interval has elapsed since the previous one, or nil otherwise.
func (m *ProgressMeter) Add(now time.Time, n int) *Progress {
	m.total += int64(n)
	since := now.Sub(m.last)
	if since < m.interval {
		return nil
	}

	elapsed := now.Sub(m.start)
	m.current = Progress{
		TotalTime:   elapsed,
		TotalBytes:  m.total,
		CurrentRate: float64(m.total-m.lastN) / since.Seconds(),
		TotalRate:   float64(m.total) / elapsed.Seconds(),
	}
	m.last = now
	m.lastN = m.total

	p := m.current
	return &p
}

// Total returns the number of bytes recorded so far.
func (m *ProgressMeter) Total() int64 { return m.total }
