package pipeline

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/4hmed7ounas/wraith-camera-module/internal/capture"
	"github.com/4hmed7ounas/wraith-camera-module/internal/detect"
	"github.com/4hmed7ounas/wraith-camera-module/internal/identity"
	"github.com/4hmed7ounas/wraith-camera-module/internal/source"
)

const (
	// DefaultWarmupFrames is how many initial frames are discarded while
	// camera auto-exposure settles.
	DefaultWarmupFrames = 5

	// DefaultIOFailureBudget is how many consecutive stale or missing
	// reads are tolerated before the source is declared dead.
	DefaultIOFailureBudget = 100

	// DefaultPromptCooldown is the minimum gap between unknown-identity
	// events, so one stranger in frame raises one prompt, not thirty a
	// second.
	DefaultPromptCooldown = 10 * time.Second

	// Per-stage skip intervals: identity matching is the most expensive
	// stage, text recognition the least urgent.
	DefaultIdentitySkip = 5
	DefaultObjectSkip   = 2
	DefaultTextSkip     = 10

	ioRetryDelay = 10 * time.Millisecond
)

// ErrSourceStalled is returned by Run when the frame source stops
// producing new frames for longer than the I/O failure budget allows.
var ErrSourceStalled = errors.New("frame source stalled past failure budget")

// State is the orchestrator's lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StateRunning
	StateStopping
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// UnknownIdentityEvent is raised when the identity stage sees a face
// that matches nobody in the store. The feature vector rides along so a
// later enrollment can register exactly what was seen.
type UnknownIdentityEvent struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Box     image.Rectangle `json:"box"`
	Feature []float32       `json:"feature"`
	Time    time.Time       `json:"time"`
}

// Enrollment names a previously unknown identity.
type Enrollment struct {
	Name    string    `json:"name"`
	Feature []float32 `json:"feature"`
}

type commandKind int

const (
	cmdSnapshot commandKind = iota
	cmdToggle
	cmdEnroll
)

type command struct {
	kind    commandKind
	stage   detect.Kind
	enabled bool
	enroll  Enrollment
}

// Config wires an Orchestrator. Resolver, Stages and Store are
// required; zero-valued knobs take the package defaults.
type Config struct {
	Descriptor source.Descriptor
	Resolver   *source.Resolver
	Stages     []Stage
	Store      *identity.Store

	// Output receives each annotated frame; the MJPEG surface reads it.
	Output *capture.Latch

	// Events receives rate-limited unknown-identity events. May be nil.
	Events func(UnknownIdentityEvent)

	FPS             int
	Warmup          int
	IOFailureBudget int
	PromptCooldown  time.Duration
	BlackThreshold  float64
	BlackStreak     int
	SnapshotDir     string
}

// Orchestrator owns the frame loop: it acquires a source through the
// resolver, pumps frames through the stage scheduler, annotates and
// publishes them, and tears everything down exactly once no matter how
// the loop ends.
type Orchestrator struct {
	cfg       Config
	scheduler *StageScheduler
	monitor   *InputMonitor

	state atomic.Int32

	cmds chan command
	done chan struct{}

	// quitCh is closed by the first Quit call. It is separate from the
	// command queue so a shutdown request can never be dropped behind a
	// flood of enroll or toggle commands.
	quitCh   chan struct{}
	quitOnce sync.Once

	stopOnce sync.Once

	src     capture.Source
	lastSeq uint64
	frames  atomic.Uint64

	mu           sync.Mutex
	events       func(UnknownIdentityEvent)
	lastIdentity string
	lastPrompt   time.Time
	snapPending  bool
}

// New builds an orchestrator. Run must be called to start it.
func New(cfg Config) *Orchestrator {
	if cfg.FPS <= 0 {
		cfg.FPS = capture.DefaultFPS
	}
	if cfg.Warmup < 0 {
		cfg.Warmup = 0
	} else if cfg.Warmup == 0 {
		cfg.Warmup = DefaultWarmupFrames
	}
	if cfg.IOFailureBudget <= 0 {
		cfg.IOFailureBudget = DefaultIOFailureBudget
	}
	if cfg.PromptCooldown <= 0 {
		cfg.PromptCooldown = DefaultPromptCooldown
	}

	o := &Orchestrator{
		cfg:       cfg,
		scheduler: NewStageScheduler(cfg.Stages),
		monitor:   NewInputMonitor(cfg.BlackThreshold, cfg.BlackStreak),
		cmds:      make(chan command, 16),
		done:      make(chan struct{}),
		quitCh:    make(chan struct{}),
		events:    cfg.Events,
	}
	o.state.Store(int32(StateIdle))
	return o
}

// OnEvent installs the unknown-identity event handler. It exists so the
// event surface (built after the orchestrator) can wire itself in; call
// it before Run.
func (o *Orchestrator) OnEvent(fn func(UnknownIdentityEvent)) {
	o.mu.Lock()
	o.events = fn
	o.mu.Unlock()
}

// Run acquires the source and drives the frame loop until a quit
// command, an exhausted failure budget, or a panic. It always releases
// the source and closes the identity store before returning.
func (o *Orchestrator) Run() (err error) {
	defer close(o.done)
	defer o.shutdown()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("frame loop panicked: %v", r)
			o.state.Store(int32(StateFailed))
			log.WithField("panic", r).Error("frame loop panicked")
		}
	}()

	o.state.Store(int32(StateAcquiring))
	src, err := o.cfg.Resolver.Resolve(o.cfg.Descriptor)
	if err != nil {
		o.state.Store(int32(StateFailed))
		return err
	}
	o.src = src

	o.state.Store(int32(StateRunning))
	log.WithField("source", o.cfg.Descriptor.String()).Info("pipeline running")
	return o.loop()
}

func (o *Orchestrator) loop() error {
	period := time.Second / time.Duration(o.cfg.FPS)
	warmup := o.cfg.Warmup

	for {
		if o.applyCommands() {
			o.state.Store(int32(StateStopping))
			return nil
		}

		start := time.Now()

		frame, ok := o.src.Latest()
		if !ok || frame.Seq == o.lastSeq {
			if ok {
				frame.Close()
			}
			if o.monitor.RecordIOFailure() > o.cfg.IOFailureBudget {
				o.state.Store(int32(StateFailed))
				return ErrSourceStalled
			}
			time.Sleep(ioRetryDelay)
			continue
		}
		o.lastSeq = frame.Seq
		o.monitor.RecordIOSuccess()
		o.syncDecodeHealth()

		if warmup > 0 {
			warmup--
			frame.Close()
			continue
		}

		o.monitor.Observe(&frame.Mat)

		dets := o.scheduler.Process(&frame.Mat)
		o.labelIdentities(dets, frame.Seq)
		detect.Draw(&frame.Mat, dets)

		o.maybeSnapshot(&frame.Mat)
		if o.cfg.Output != nil {
			o.cfg.Output.Publish(frame.Mat)
		}
		frame.Close()
		o.frames.Add(1)

		if sleep := period - time.Since(start); sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

// decodeReporter is implemented by sources that decode a compressed
// byte stream and can report their current failure streak.
type decodeReporter interface {
	DecodeFailures() int
}

// syncDecodeHealth mirrors the source's decode-failure streak into the
// health counters when the source tracks one.
func (o *Orchestrator) syncDecodeHealth() {
	r, ok := o.src.(decodeReporter)
	if !ok {
		return
	}
	o.monitor.SetDecodeFailures(r.DecodeFailures())
}

// applyCommands drains pending commands and reports whether a quit was
// seen. Commands only ever take effect between frames.
func (o *Orchestrator) applyCommands() bool {
	select {
	case <-o.quitCh:
		return true
	default:
	}

	for {
		select {
		case cmd := <-o.cmds:
			switch cmd.kind {
			case cmdSnapshot:
				o.mu.Lock()
				o.snapPending = true
				o.mu.Unlock()
			case cmdToggle:
				if o.scheduler.SetEnabled(cmd.stage, cmd.enabled) {
					log.WithField("stage", cmd.stage).WithField("enabled", cmd.enabled).Info("stage toggled")
				}
			case cmdEnroll:
				if err := o.cfg.Store.Register(cmd.enroll.Feature, cmd.enroll.Name); err != nil {
					log.WithError(err).WithField("name", cmd.enroll.Name).Error("enrollment failed")
				}
			}
		default:
			return false
		}
	}
}

// labelIdentities resolves identity-stage features against the store and
// raises a rate-limited event for every face nobody recognizes.
func (o *Orchestrator) labelIdentities(dets []detect.Detection, seq uint64) {
	for i := range dets {
		if dets[i].Kind != detect.KindIdentity || len(dets[i].Feature) == 0 {
			continue
		}
		name, _ := o.cfg.Store.Match(dets[i].Feature)
		dets[i].Label = name

		if name != detect.Unknown {
			o.mu.Lock()
			o.lastIdentity = name
			o.mu.Unlock()
			continue
		}
		o.promptUnknown(dets[i], seq)
	}
}

func (o *Orchestrator) promptUnknown(det detect.Detection, seq uint64) {
	o.mu.Lock()
	handler := o.events
	if handler == nil || time.Since(o.lastPrompt) < o.cfg.PromptCooldown {
		o.mu.Unlock()
		return
	}
	o.lastPrompt = time.Now()
	o.mu.Unlock()

	ev := UnknownIdentityEvent{
		ID:      uuid.NewString(),
		Seq:     seq,
		Box:     det.Box,
		Feature: det.Feature,
		Time:    time.Now(),
	}
	log.WithField("event", ev.ID).Info("unknown identity in frame")
	handler(ev)
}

func (o *Orchestrator) maybeSnapshot(frame *gocv.Mat) {
	o.mu.Lock()
	pending := o.snapPending
	o.snapPending = false
	o.mu.Unlock()
	if !pending {
		return
	}

	dir := o.cfg.SnapshotDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.WithError(err).Error("snapshot dir")
		return
	}
	path := filepath.Join(dir, uuid.NewString()+".jpg")
	if ok := gocv.IMWrite(path, *frame); !ok {
		log.WithField("path", path).Error("snapshot write failed")
		return
	}
	log.WithField("path", path).Info("saved snapshot")
}

// shutdown releases the source, the stage capabilities and the identity
// store. Safe to call from any exit path; only the first call acts.
func (o *Orchestrator) shutdown() {
	o.stopOnce.Do(func() {
		if o.src != nil {
			o.src.Stop()
		}
		if err := o.scheduler.Close(); err != nil {
			log.WithError(err).Warn("closing stages")
		}
		if o.cfg.Store != nil {
			if err := o.cfg.Store.Close(); err != nil {
				log.WithError(err).Warn("closing identity store")
			}
		}
		o.state.Store(int32(StateClosed))
		log.Info("pipeline shut down")
	})
}

// Quit asks the frame loop to stop. Safe to call any number of times
// from any goroutine; it cannot be lost however full the command queue
// is. It does not wait; use Done.
func (o *Orchestrator) Quit() {
	o.quitOnce.Do(func() { close(o.quitCh) })
}

// SaveFrame requests that the next annotated frame be written to the
// snapshot directory.
func (o *Orchestrator) SaveFrame() {
	select {
	case o.cmds <- command{kind: cmdSnapshot}:
	default:
	}
}

// ToggleStage enables or disables a detection stage between frames.
func (o *Orchestrator) ToggleStage(kind detect.Kind, enabled bool) {
	select {
	case o.cmds <- command{kind: cmdToggle, stage: kind, enabled: enabled}:
	default:
	}
}

// Enroll registers a name for a previously unknown feature vector. The
// registration happens on the frame loop, between frames.
func (o *Orchestrator) Enroll(e Enrollment) {
	select {
	case o.cmds <- command{kind: cmdEnroll, enroll: e}:
	default:
		log.WithField("name", e.Name).Warn("enrollment dropped; command queue full")
	}
}

// Done is closed when Run has returned and cleanup has finished.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// LastIdentity returns the most recently recognized name, if any.
func (o *Orchestrator) LastIdentity() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastIdentity
}

// Stats is a point-in-time view of the pipeline for the status API.
type Stats struct {
	State        string       `json:"state"`
	Frames       uint64       `json:"frames"`
	LastIdentity string       `json:"last_identity,omitempty"`
	Health       Health       `json:"health"`
	Stages       []StageStats `json:"stages"`
}

// Stats snapshots the pipeline counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		State:        o.State().String(),
		Frames:       o.frames.Load(),
		LastIdentity: o.LastIdentity(),
		Health:       o.monitor.Health(),
		Stages:       o.scheduler.Stats(),
	}
}

// StageStatsFor returns the counters for one stage, if it exists.
func (o *Orchestrator) StageStatsFor(kind detect.Kind) (StageStats, bool) {
	for _, st := range o.scheduler.Stats() {
		if st.Kind == kind {
			return st, true
		}
	}
	return StageStats{}, false
}
