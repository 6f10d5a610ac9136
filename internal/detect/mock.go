package detect

import (
	"gocv.io/x/gocv"
)

// MockCapability is a test implementation of Capability. Tests set a
// fixed result, an error, or a per-invocation script.
type MockCapability struct {
	dets   []Detection
	err    error
	script func(call int) ([]Detection, error)
	calls  int
	closed bool
}

// NewMockCapability creates an empty mock.
func NewMockCapability() *MockCapability {
	return &MockCapability{}
}

// SetDetections sets the fixed result returned by Detect.
func (m *MockCapability) SetDetections(dets []Detection) {
	m.dets = dets
}

// SetError sets the error returned by Detect.
func (m *MockCapability) SetError(err error) {
	m.err = err
}

// SetScript installs a per-invocation result function; the argument
// is the 1-based live call number.
func (m *MockCapability) SetScript(fn func(call int) ([]Detection, error)) {
	m.script = fn
}

// Calls reports how many times Detect ran.
func (m *MockCapability) Calls() int {
	return m.calls
}

// Closed reports whether Close was called.
func (m *MockCapability) Closed() bool {
	return m.closed
}

// Detect returns the scripted or fixed result.
func (m *MockCapability) Detect(frame *gocv.Mat) ([]Detection, error) {
	m.calls++
	if m.script != nil {
		return m.script(m.calls)
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.dets, nil
}

// Close is a no-op for the mock.
func (m *MockCapability) Close() error {
	m.closed = true
	return nil
}
