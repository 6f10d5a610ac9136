package pipeline

import (
	"image"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

const (
	// DefaultBlackThreshold is the mean brightness below which a frame
	// counts as black. Covered lenses and dead HDMI grabbers read just
	// above zero, so the bar is deliberately low.
	DefaultBlackThreshold = 12.0

	// DefaultBlackStreakLimit is how many consecutive black frames are
	// tolerated before the monitor raises a degraded-input diagnostic.
	DefaultBlackStreakLimit = 30
)

// Health is a snapshot of the input monitor's failure counters.
type Health struct {
	ConsecutiveIOFailures     int `json:"consecutive_io_failures"`
	ConsecutiveDecodeFailures int `json:"consecutive_decode_failures"`
	BlackFrameStreak          int `json:"black_frame_streak"`
}

// InputMonitor watches the raw frame stream for signs of a degraded
// source: black frames (covered or failed sensor) and runs of read or
// decode failures. The frame loop updates it; the status API reads it,
// so the counters sit behind a mutex.
type InputMonitor struct {
	blackThreshold   float64
	blackStreakLimit int

	mu     sync.Mutex
	health Health
}

// NewInputMonitor builds a monitor with the given brightness threshold
// and streak limit; non-positive arguments fall back to the defaults.
func NewInputMonitor(threshold float64, streakLimit int) *InputMonitor {
	if threshold <= 0 {
		threshold = DefaultBlackThreshold
	}
	if streakLimit <= 0 {
		streakLimit = DefaultBlackStreakLimit
	}
	return &InputMonitor{blackThreshold: threshold, blackStreakLimit: streakLimit}
}

// Observe inspects one frame and reports whether a degraded-input
// diagnostic fired. The diagnostic fires once per dark streak: when the
// streak first exceeds the limit it is logged and the counter resets,
// so a permanently covered lens produces a periodic warning rather than
// a log flood. Any bright frame resets the streak.
func (m *InputMonitor) Observe(frame *gocv.Mat) bool {
	b := centreBrightness(frame)

	m.mu.Lock()
	defer m.mu.Unlock()
	if b >= m.blackThreshold {
		m.health.BlackFrameStreak = 0
		return false
	}

	m.health.BlackFrameStreak++
	if m.health.BlackFrameStreak <= m.blackStreakLimit {
		return false
	}
	log.WithField("brightness", b).Warn("input looks black; check lens cover and source signal")
	m.health.BlackFrameStreak = 0
	return true
}

// RecordIOFailure bumps the consecutive read-failure counter and returns
// the new value.
func (m *InputMonitor) RecordIOFailure() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.ConsecutiveIOFailures++
	return m.health.ConsecutiveIOFailures
}

// RecordIOSuccess clears the read-failure counter.
func (m *InputMonitor) RecordIOSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.ConsecutiveIOFailures = 0
}

// RecordDecodeFailure bumps the consecutive decode-failure counter and
// returns the new value.
func (m *InputMonitor) RecordDecodeFailure() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.ConsecutiveDecodeFailures++
	return m.health.ConsecutiveDecodeFailures
}

// SetDecodeFailures mirrors an externally tracked decode streak into
// the health counters.
func (m *InputMonitor) SetDecodeFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.ConsecutiveDecodeFailures = n
}

// RecordDecodeSuccess clears the decode-failure counter.
func (m *InputMonitor) RecordDecodeSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.ConsecutiveDecodeFailures = 0
}

// Health returns a copy of the current counters.
func (m *InputMonitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// centreBrightness returns the mean intensity of the centre half of the
// frame, averaged across channels. Sampling the centre instead of the
// full frame keeps letterboxing and timestamp overlays from masking a
// covered lens.
func centreBrightness(frame *gocv.Mat) float64 {
	if frame == nil || frame.Empty() {
		return 0
	}

	w, h := frame.Cols(), frame.Rows()
	region := *frame
	if w >= 4 && h >= 4 {
		roi := frame.Region(image.Rect(w/4, h/4, 3*w/4, 3*h/4))
		defer roi.Close()
		region = roi
	}

	mean := region.Mean()
	switch region.Channels() {
	case 1:
		return mean.Val1
	case 3, 4:
		return (mean.Val1 + mean.Val2 + mean.Val3) / 3
	default:
		return mean.Val1
	}
}
