package capture

import (
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// MockSource synthesizes a scripted sequence of frames for testing.
// Each call to Latest produces the next frame of the script as a
// solid-colour image whose brightness comes from the script value.
// When the script is exhausted the source reports no frame (or wraps
// around when Loop is set).
type MockSource struct {
	mu sync.Mutex

	// Brightness values, one per frame, in 0..255.
	script []float64
	index  int
	loop   bool

	width, height int

	started bool
	stops   int
	seq     uint64
}

// NewMockSource creates a source producing len(script) frames.
func NewMockSource(script []float64, loop bool) *MockSource {
	return &MockSource{
		script: script,
		loop:   loop,
		width:  64,
		height: 48,
	}
}

// UniformScript returns a script of n frames at the same brightness.
func UniformScript(n int, brightness float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = brightness
	}
	return s
}

// Start marks the source live and rewinds the script.
func (m *MockSource) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.index = 0
	return nil
}

// Latest synthesizes the next scripted frame.
func (m *MockSource) Latest() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || len(m.script) == 0 {
		return Frame{}, false
	}
	if m.index >= len(m.script) {
		if !m.loop {
			return Frame{}, false
		}
		m.index = 0
	}

	v := m.script[m.index]
	m.index++
	m.seq++

	mat := gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(v, v, v, 0), m.height, m.width, gocv.MatTypeCV8UC3)
	return Frame{Mat: mat, Seq: m.seq, Time: time.Now()}, true
}

// Stop marks the source stopped and counts the call, so tests can
// assert the release path ran exactly once.
func (m *MockSource) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		m.stops++
	}
	m.started = false
}

// Stops reports how many times Stop was called while live.
func (m *MockSource) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// Produced reports how many frames have been handed out.
func (m *MockSource) Produced() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}
