package chunkxfer

import (
	"sync"
	"time"
)

// Progress is a point-in-time view of one transfer.
type Progress struct {
	Name        string
	Transferred int64
	Total       int64
	Chunks      int64
	Elapsed     time.Duration
}

// Percent returns the completed share of the declared length.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 100
	}
	return float64(p.Transferred) / float64(p.Total) * 100
}

// ProgressTracker counts completed chunks and invokes the progress callback
// at most once per interval.
type ProgressTracker struct {
	mu sync.Mutex

	cur        Progress
	startTime  time.Time
	lastReport time.Time
	lastBytes  int64

	callback func(string, int64, int64, float64)
	interval time.Duration
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(callback func(string, int64, int64, float64), interval time.Duration) *ProgressTracker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &ProgressTracker{
		callback: callback,
		interval: interval,
	}
}

// Start begins tracking a transfer of total bytes.
func (pt *ProgressTracker) Start(name string, total int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.cur = Progress{Name: name, Total: total}
	pt.startTime = time.Now()
	pt.lastReport = pt.startTime
	pt.lastBytes = 0
}

// Chunk records one completed chunk of size bytes.
func (pt *ProgressTracker) Chunk(size int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.cur.Transferred += size
	pt.cur.Chunks++

	now := time.Now()
	if now.Sub(pt.lastReport) < pt.interval {
		return
	}

	var rate float64
	if elapsed := now.Sub(pt.lastReport).Seconds(); elapsed > 0 {
		rate = float64(pt.cur.Transferred-pt.lastBytes) / elapsed
	}
	if pt.callback != nil {
		pt.callback(pt.cur.Name, pt.cur.Transferred, pt.cur.Total, rate)
	}
	pt.lastReport = now
	pt.lastBytes = pt.cur.Transferred
}

// Complete issues the final report and returns the transfer duration.
func (pt *ProgressTracker) Complete() time.Duration {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	duration := time.Since(pt.startTime)
	if pt.callback != nil {
		pt.callback(pt.cur.Name, pt.cur.Transferred, pt.cur.Total, 0)
	}
	return duration
}

// Snapshot returns the current progress.
func (pt *ProgressTracker) Snapshot() Progress {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p := pt.cur
	if !pt.startTime.IsZero() {
		p.Elapsed = time.Since(pt.startTime)
	}
	return p
}
