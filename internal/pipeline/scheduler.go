package pipeline

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/4hmed7ounas/wraith-camera-module/internal/detect"
)

// Stage binds a detection capability to its scheduling cadence. A stage
// with SkipInterval k runs its capability on every k-th frame and serves
// the cached result in between.
type Stage struct {
	Kind         detect.Kind
	Capability   detect.Capability
	SkipInterval int
}

// StageStats is a snapshot of one stage's scheduling counters.
type StageStats struct {
	Kind         detect.Kind `json:"kind"`
	Enabled      bool        `json:"enabled"`
	SkipInterval int         `json:"skip_interval"`
	LiveCalls    uint64      `json:"live_calls"`
	CachedCalls  uint64      `json:"cached_calls"`
	Errors       uint64      `json:"errors"`

	// FramesUntilRefresh counts down to the stage's next live slot; a
	// display convenience, not an input to the cadence decision.
	FramesUntilRefresh int `json:"frames_until_refresh"`
}

type stageState struct {
	stage   Stage
	enabled bool
	cached  []detect.Detection

	framesUntilRefresh int

	liveCalls   uint64
	cachedCalls uint64
	errors      uint64
}

// StageScheduler runs a set of detection stages over a stream of frames,
// skipping expensive capability calls according to each stage's interval
// and reusing the last non-empty result on skipped frames.
type StageScheduler struct {
	mu      sync.Mutex
	counter uint64
	states  map[detect.Kind]*stageState
}

// NewStageScheduler builds a scheduler for the given stages. Stages with
// a SkipInterval below 1 are clamped to 1 (run every frame). All stages
// start enabled with an empty cache.
func NewStageScheduler(stages []Stage) *StageScheduler {
	s := &StageScheduler{states: make(map[detect.Kind]*stageState, len(stages))}
	for _, st := range stages {
		if st.SkipInterval < 1 {
			st.SkipInterval = 1
		}
		s.states[st.Kind] = &stageState{stage: st, enabled: true}
	}
	return s
}

// Process advances the frame counter and runs every enabled stage in
// priority order, returning the combined detections for this frame. A
// stage whose turn it is runs live against the frame; otherwise its
// cached detections are returned. A live call that comes back empty,
// errors, or panics clears the cache, so skipped frames never
// resurrect boxes from before a confirmed absence or a failure.
func (s *StageScheduler) Process(frame *gocv.Mat) []detect.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	var out []detect.Detection
	for _, kind := range detect.PriorityOrder {
		st, ok := s.states[kind]
		if !ok || !st.enabled {
			continue
		}
		out = append(out, s.run(st, frame)...)
	}
	return out
}

func (s *StageScheduler) run(st *stageState, frame *gocv.Mat) []detect.Detection {
	if s.counter%uint64(st.stage.SkipInterval) != 0 {
		st.cachedCalls++
		if st.framesUntilRefresh > 0 {
			st.framesUntilRefresh--
		}
		return st.cached
	}

	st.liveCalls++
	dets, err := s.invoke(st.stage, frame)
	if err != nil {
		st.errors++
		log.WithError(err).WithField("stage", st.stage.Kind).Warn("stage failed; treating as empty result")
		st.cached = nil
		st.framesUntilRefresh = 0
		return nil
	}
	if len(dets) == 0 {
		st.cached = nil
		st.framesUntilRefresh = 0
		return nil
	}
	st.cached = dets
	st.framesUntilRefresh = st.stage.SkipInterval - 1
	return dets
}

// invoke calls the capability, converting a panic into an error so one
// misbehaving stage cannot take down the frame loop.
func (s *StageScheduler) invoke(st Stage, frame *gocv.Mat) (dets []detect.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			dets = nil
			err = fmt.Errorf("stage %s panicked: %v", st.Kind, r)
		}
	}()
	return st.Capability.Detect(frame)
}

// SetEnabled toggles a stage. Re-enabling discards any cached result so
// the first frame after the toggle reflects a fresh detection, not a
// stale one from before the stage was paused.
func (s *StageScheduler) SetEnabled(kind detect.Kind, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[kind]
	if !ok {
		return false
	}
	if enabled && !st.enabled {
		st.cached = nil
	}
	st.enabled = enabled
	return true
}

// Enabled reports whether the stage for kind exists and is enabled.
func (s *StageScheduler) Enabled(kind detect.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[kind]
	return ok && st.enabled
}

// Stats returns per-stage counters in priority order.
func (s *StageScheduler) Stats() []StageStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StageStats, 0, len(s.states))
	for _, kind := range detect.PriorityOrder {
		st, ok := s.states[kind]
		if !ok {
			continue
		}
		out = append(out, StageStats{
			Kind:               kind,
			Enabled:            st.enabled,
			SkipInterval:       st.stage.SkipInterval,
			LiveCalls:          st.liveCalls,
			CachedCalls:        st.cachedCalls,
			Errors:             st.errors,
			FramesUntilRefresh: st.framesUntilRefresh,
		})
	}
	return out
}

// Close releases every stage capability, returning the first error seen.
func (s *StageScheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for _, st := range s.states {
		if err := st.stage.Capability.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
