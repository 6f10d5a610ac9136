package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// HTTP stream defaults.
const (
	// DefaultDecodeFailureLimit is how many consecutive decode
	// failures are tolerated before the connection is torn down and
	// a reconnect is attempted.
	DefaultDecodeFailureLimit = 20

	// DefaultFirstFramePolls and DefaultPollInterval bound how long
	// Start waits for the stream to produce its first frame before
	// the connection attempt is declared failed.
	DefaultFirstFramePolls = 50
	DefaultPollInterval    = 100 * time.Millisecond

	streamChunkSize = 1024
)

// JPEG start-of-image / end-of-image markers.
var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// ErrNoFrames is returned by Start when the stream produced no
// decodable frame within the first-frame polling window.
var ErrNoFrames = errors.New("no frames received from stream")

// ExtractJPEG scans buf for a complete SOI..EOI span. It returns the
// embedded image, the remaining unconsumed bytes, and whether a span
// was found. Bytes before the SOI marker are discarded.
func ExtractJPEG(buf []byte) (jpg, rest []byte, ok bool) {
	start := bytes.Index(buf, jpegSOI)
	if start < 0 {
		// Keep the last byte in case it is the first half of a
		// marker split across chunks.
		if len(buf) > 0 {
			return nil, buf[len(buf)-1:], false
		}
		return nil, buf, false
	}
	end := bytes.Index(buf[start:], jpegEOI)
	if end < 0 {
		return nil, buf[start:], false
	}
	end += start + len(jpegEOI)
	return buf[start:end], buf[end:], true
}

// StreamOptions configures an HTTPStream.
type StreamOptions struct {
	DecodeFailureLimit int
	FirstFramePolls    int
	PollInterval       time.Duration

	// Dial opens the raw byte stream. Defaults to an HTTP GET of the
	// stream URL. Tests substitute an in-memory reader.
	Dial func() (io.ReadCloser, error)
}

// HTTPStream demuxes a motion-JPEG byte stream into discrete frames
// under the same freshness discipline as ThreadedCapture: complete
// SOI/EOI spans are decoded and published to a single-writer latch.
// When the consecutive decode-failure threshold is exceeded, the
// connection is torn down and re-dialed once per streak.
type HTTPStream struct {
	url  string
	opts StreamOptions

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	signal      sync.Once
	conn        io.ReadCloser
	reconnects  int
	decodeFails int

	latch *Latch
}

// NewHTTPStream creates a reader for the given MJPEG-over-HTTP URL.
func NewHTTPStream(url string, opts StreamOptions) *HTTPStream {
	if opts.DecodeFailureLimit <= 0 {
		opts.DecodeFailureLimit = DefaultDecodeFailureLimit
	}
	if opts.FirstFramePolls <= 0 {
		opts.FirstFramePolls = DefaultFirstFramePolls
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	s := &HTTPStream{
		url:   url,
		opts:  opts,
		latch: NewLatch(),
	}
	if s.opts.Dial == nil {
		s.opts.Dial = s.dialHTTP
	}
	return s
}

func (s *HTTPStream) dialHTTP() (io.ReadCloser, error) {
	client := &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: 5 * time.Second,
		},
	}
	resp, err := client.Get(s.url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Start connects to the stream, spawns the fetch loop, and waits for
// at least one decoded frame within the polling window.
func (s *HTTPStream) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.signal = sync.Once{}
	stop, done := s.stopCh, s.doneCh
	s.mu.Unlock()

	body, err := s.opts.Dial()
	if err != nil {
		s.setStopped()
		return fmt.Errorf("connect %s: %w", s.url, err)
	}
	s.setConn(body)

	go s.fetchLoop(stop, done)

	for i := 0; i < s.opts.FirstFramePolls; i++ {
		if _, ok := s.latch.Latest(); ok {
			return nil
		}
		time.Sleep(s.opts.PollInterval)
	}

	s.Stop()
	return fmt.Errorf("%w after %v", ErrNoFrames,
		time.Duration(s.opts.FirstFramePolls)*s.opts.PollInterval)
}

func (s *HTTPStream) setStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *HTTPStream) setConn(c io.ReadCloser) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *HTTPStream) currentConn() io.ReadCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// closeConn shuts the current connection down exactly once per
// connection; safe against a concurrent reconnect.
func (s *HTTPStream) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// fetchLoop accumulates stream bytes, extracts embedded JPEG spans,
// and publishes decoded frames. A decode-failure streak past the
// limit tears the connection down and dials a fresh one; any other
// stream end exits the loop.
func (s *HTTPStream) fetchLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer s.closeConn()

	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, streamChunkSize)
	decodeFailures := 0

	for {
		select {
		case <-stop:
			return
		default:
		}

		conn := s.currentConn()
		if conn == nil {
			return
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Warn("http stream read error")
			}
			return
		}

		for {
			jpg, rest, ok := ExtractJPEG(buf)
			if !ok {
				buf = append(buf[:0], rest...)
				break
			}
			buf = append([]byte(nil), rest...)

			mat, derr := gocv.IMDecode(jpg, gocv.IMReadColor)
			if derr != nil || mat.Empty() {
				if derr == nil {
					mat.Close()
				}
				decodeFailures++
				s.setDecodeFailures(decodeFailures)
				if decodeFailures > s.opts.DecodeFailureLimit {
					if !s.reconnect() {
						return
					}
					buf = buf[:0]
					decodeFailures = 0
					s.setDecodeFailures(0)
					break
				}
				continue
			}

			s.latch.Publish(mat)
			mat.Close()
			decodeFailures = 0
			s.setDecodeFailures(0)
		}
	}
}

// reconnect replaces the current connection with a fresh dial.
func (s *HTTPStream) reconnect() bool {
	s.closeConn()
	fresh, err := s.opts.Dial()
	if err != nil {
		log.WithError(err).Error("http stream reconnect failed")
		s.setStopped()
		return false
	}
	log.WithField("url", s.url).Warn("decode failure streak, reconnected stream")
	s.mu.Lock()
	s.conn = fresh
	s.reconnects++
	s.mu.Unlock()
	return true
}

// Latest returns a copy of the most recent decoded frame.
func (s *HTTPStream) Latest() (Frame, bool) {
	return s.latch.Latest()
}

// Reconnects reports how many times the stream was re-dialed because
// of decode-failure streaks.
func (s *HTTPStream) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

func (s *HTTPStream) setDecodeFailures(n int) {
	s.mu.Lock()
	s.decodeFails = n
	s.mu.Unlock()
}

// DecodeFailures reports the current consecutive decode-failure streak.
func (s *HTTPStream) DecodeFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decodeFails
}

// Stop ends the fetch loop, closes the connection, and joins with a
// bounded timeout, proceeding regardless of whether the loop returns
// in time.
func (s *HTTPStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stopCh, s.doneCh
	s.mu.Unlock()

	s.signal.Do(func() { close(stop) })
	s.closeConn()

	select {
	case <-done:
	case <-time.After(joinTimeout):
		log.WithField("url", s.url).Warn("stream loop did not stop within timeout")
	}
}
