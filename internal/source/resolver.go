package source

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/4hmed7ounas/wraith-camera-module/internal/capture"
)

// State is the resolver's position in the acquisition state machine.
type State int

const (
	StateInit State = iota
	StateTryPrimary
	StateTryFallback
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateTryPrimary:
		return "try-primary"
	case StateTryFallback:
		return "try-fallback"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Probe defaults.
const (
	DefaultProbeAttempts = 30
	DefaultProbeInterval = 100 * time.Millisecond
)

// rtspTransports is the ordered list of transport variants probed for
// a streaming URL: datagram first, then the reliable fallback.
var rtspTransports = []string{"udp", "tcp"}

// fallbackPaths is the fixed ordered set of path suffixes used to
// derive HTTP candidates from a streaming URL's host and port. These
// are the endpoints phone-camera apps commonly expose.
var fallbackPaths = []string{"/video", "/mjpegfeed"}

// Attempt records one probed candidate for the failure diagnostic.
type Attempt struct {
	Transport string
	Target    string
}

func (a Attempt) String() string {
	if a.Transport == "" {
		return a.Target
	}
	return fmt.Sprintf("%s (%s)", a.Target, a.Transport)
}

// ResolveError reports exhaustion of every resolution candidate,
// carrying what was tried, the underlying cause when one candidate
// reported a concrete failure, and a suggested alternative URL form.
type ResolveError struct {
	Descriptor Descriptor
	Attempts   []Attempt
	Cause      error
	Suggestion string
}

func (e *ResolveError) Error() string {
	tried := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		tried[i] = a.String()
	}
	msg := fmt.Sprintf("no candidate produced frames for %s; tried: %s",
		e.Descriptor, strings.Join(tried, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Suggestion != "" {
		msg += "; try " + e.Suggestion
	}
	return msg
}

func (e *ResolveError) Unwrap() error {
	return e.Cause
}

// Opener creates candidate frame producers. The production opener
// uses the capture package; tests substitute a recording fake so
// resolution logic is exercised without touching devices or the
// network.
type Opener interface {
	OpenDevice(d Descriptor) capture.Source
	OpenStream(rawURL, transport string, d Descriptor) capture.Source
	OpenHTTP(rawURL string, d Descriptor) capture.Source
}

type captureOpener struct{}

func (captureOpener) OpenDevice(d Descriptor) capture.Source {
	return capture.NewThreadedCapture(d.Device, d.Options)
}

func (captureOpener) OpenStream(rawURL, transport string, d Descriptor) capture.Source {
	return capture.NewStreamCapture(rawURL, transport, d.Options)
}

func (captureOpener) OpenHTTP(rawURL string, d Descriptor) capture.Source {
	return capture.NewHTTPStream(rawURL, capture.StreamOptions{})
}

// Config tunes resolution probing.
type Config struct {
	ProbeAttempts int
	ProbeInterval time.Duration

	// Opener overrides candidate construction (tests).
	Opener Opener
}

// Resolver walks Init → TryPrimary → TryFallback → Connected/Failed
// for one acquisition session. Failed is terminal: a retry requires a
// fresh Resolver.
type Resolver struct {
	cfg      Config
	state    State
	attempts []Attempt
}

// NewResolver creates a resolver with defaults filled in.
func NewResolver(cfg Config) *Resolver {
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = DefaultProbeAttempts
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.Opener == nil {
		cfg.Opener = captureOpener{}
	}
	return &Resolver{cfg: cfg, state: StateInit}
}

// State returns the resolver's current state.
func (r *Resolver) State() State {
	return r.state
}

// Attempts returns the candidates probed so far.
func (r *Resolver) Attempts() []Attempt {
	return r.attempts
}

// Resolve turns the descriptor into a live, frame-producing source.
// Local descriptors connect directly with no network probing;
// streaming descriptors try transport variants, then derived HTTP
// fallback candidates.
func (r *Resolver) Resolve(d Descriptor) (capture.Source, error) {
	if r.state != StateInit {
		return nil, fmt.Errorf("resolver already used (state %s)", r.state)
	}

	switch d.Kind {
	case Local:
		src := r.cfg.Opener.OpenDevice(d)
		if err := src.Start(); err != nil {
			r.state = StateFailed
			return nil, &ResolveError{
				Descriptor: d,
				Attempts:   []Attempt{{Target: d.String()}},
				Cause:      err,
				Suggestion: "a different device index",
			}
		}
		r.state = StateConnected
		return src, nil

	case HTTPMjpeg:
		r.state = StateTryPrimary
		if src := r.probe(r.cfg.Opener.OpenHTTP(d.URL, d), Attempt{Target: d.URL}); src != nil {
			r.state = StateConnected
			return src, nil
		}
		return nil, r.fail(d)

	case Streaming:
		r.state = StateTryPrimary
		for _, transport := range rtspTransports {
			a := Attempt{Transport: transport, Target: d.URL}
			if src := r.probe(r.cfg.Opener.OpenStream(d.URL, transport, d), a); src != nil {
				r.state = StateConnected
				return src, nil
			}
		}

		r.state = StateTryFallback
		for _, candidate := range httpCandidates(d.URL) {
			a := Attempt{Target: candidate}
			if src := r.probe(r.cfg.Opener.OpenHTTP(candidate, d), a); src != nil {
				r.state = StateConnected
				return src, nil
			}
		}
		return nil, r.fail(d)

	default:
		r.state = StateFailed
		return nil, fmt.Errorf("unknown descriptor kind %d", d.Kind)
	}
}

// probe starts the candidate and waits a bounded number of short
// reads for a non-empty decoded frame. The candidate is stopped if it
// never produces one.
func (r *Resolver) probe(src capture.Source, a Attempt) capture.Source {
	r.attempts = append(r.attempts, a)
	log.WithField("candidate", a.String()).Info("probing source candidate")

	if err := src.Start(); err != nil {
		log.WithField("candidate", a.String()).WithError(err).Debug("candidate failed to open")
		return nil
	}

	for i := 0; i < r.cfg.ProbeAttempts; i++ {
		if f, ok := src.Latest(); ok {
			empty := f.Mat.Empty()
			f.Close()
			if !empty {
				log.WithField("candidate", a.String()).Info("source candidate connected")
				return src
			}
		}
		time.Sleep(r.cfg.ProbeInterval)
	}

	src.Stop()
	log.WithField("candidate", a.String()).Debug("candidate produced no frames in probe window")
	return nil
}

func (r *Resolver) fail(d Descriptor) error {
	r.state = StateFailed
	return &ResolveError{
		Descriptor: d,
		Attempts:   r.attempts,
		Suggestion: suggestion(d.URL),
	}
}

// httpCandidates derives MJPEG-over-HTTP URLs from the host and port
// of a streaming URL.
func httpCandidates(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	out := make([]string, 0, len(fallbackPaths))
	for _, p := range fallbackPaths {
		out = append(out, "http://"+u.Host+p)
	}
	return out
}

func suggestion(rawURL string) string {
	candidates := httpCandidates(rawURL)
	if len(candidates) == 0 {
		return "an http://host:port/video URL"
	}
	return candidates[0]
}
