// Package capture provides frame acquisition from cameras and network
// streams using GoCV (OpenCV), decoupled from the processing loop.
package capture

import (
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Frame is a captured image with a per-session sequence number and
// capture timestamp. Each Frame owns its Mat; callers receive
// independent copies and must Close them when done.
type Frame struct {
	Mat  gocv.Mat
	Seq  uint64
	Time time.Time
}

// Close releases the frame's image buffer.
func (f *Frame) Close() {
	f.Mat.Close()
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() Frame {
	n := Frame{
		Mat:  gocv.NewMat(),
		Seq:  f.Seq,
		Time: f.Time,
	}
	f.Mat.CopyTo(&n.Mat)
	return n
}

// Latch is the single-writer "latest frame" slot shared between a
// capture loop and its consumer. The writer replaces the slot with
// each new frame (last-write-wins, older frames are dropped, never
// queued) and readers receive independent copies. A slow reader
// misses frames instead of stalling the writer.
type Latch struct {
	mu    sync.Mutex
	mat   gocv.Mat
	seq   uint64
	time  time.Time
	valid bool
}

// NewLatch creates an empty latch.
func NewLatch() *Latch {
	return &Latch{mat: gocv.NewMat()}
}

// Publish copies m into the slot and advances the sequence number.
// Only one goroutine may call Publish. The caller keeps ownership
// of m.
func (l *Latch) Publish(m gocv.Mat) {
	if m.Empty() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	m.CopyTo(&l.mat)
	l.seq++
	l.time = time.Now()
	l.valid = true
}

// Latest returns an independent copy of the most recent frame, or
// (zero, false) if nothing has been published yet. It never blocks
// beyond the duration of a single slot copy.
func (l *Latch) Latest() (Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.valid {
		return Frame{}, false
	}
	f := Frame{
		Mat:  gocv.NewMat(),
		Seq:  l.seq,
		Time: l.time,
	}
	l.mat.CopyTo(&f.Mat)
	return f, true
}

// Seq returns the sequence number of the most recent publish.
func (l *Latch) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close releases the slot's buffer. No Publish or Latest may follow.
func (l *Latch) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.valid = false
	l.mat.Close()
}
