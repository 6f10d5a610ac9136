package capture

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Default capture settings.
const (
	DefaultFPS    = 30
	DefaultWidth  = 640
	DefaultHeight = 480

	// readRetryDelay is how long the read loop sleeps after a failed
	// device read before retrying.
	readRetryDelay = 10 * time.Millisecond

	// joinTimeout bounds how long Stop waits for the read loop to
	// exit before releasing the device anyway.
	joinTimeout = 2 * time.Second
)

// ErrAlreadyStarted is returned when Start is called on a capture
// that is already running.
var ErrAlreadyStarted = errors.New("capture already started")

// Source is a live producer of frames. Implementations run their own
// capture loop and expose only the freshest frame.
type Source interface {
	// Start opens the underlying device or stream and begins
	// producing frames.
	Start() error

	// Latest returns an independent copy of the most recent frame,
	// or (zero, false) if none has been produced yet. Never blocks
	// longer than one slot copy.
	Latest() (Frame, bool)

	// Stop ends the capture loop and releases the underlying handle
	// exactly once. Safe to call more than once.
	Stop()
}

// Options holds the target geometry applied to a device at open.
type Options struct {
	Width  int
	Height int
	FPS    int
}

// DefaultOptions returns the standard 640x480 @ 30 capture geometry.
func DefaultOptions() Options {
	return Options{Width: DefaultWidth, Height: DefaultHeight, FPS: DefaultFPS}
}

// ThreadedCapture reads frames from a local device or stream URL on a
// dedicated goroutine so that blocking device I/O never stalls the
// consumer. The most recent successfully decoded frame is kept in a
// single-writer Latch.
type ThreadedCapture struct {
	// device is an int index or a URL string, as accepted by
	// gocv.OpenVideoCapture.
	device interface{}
	opts   Options

	// env is applied to the process environment before the device is
	// opened; RTSP transport selection goes through FFmpeg options.
	env map[string]string

	mu      sync.Mutex
	cap     *gocv.VideoCapture
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	release sync.Once

	latch *Latch
}

// NewThreadedCapture creates a capture for a local device index.
func NewThreadedCapture(deviceID int, opts Options) *ThreadedCapture {
	return &ThreadedCapture{
		device: deviceID,
		opts:   opts,
		latch:  NewLatch(),
	}
}

// NewStreamCapture creates a capture for a stream URL. transport
// selects the RTSP transport ("udp" or "tcp"); empty leaves the
// backend default.
func NewStreamCapture(url, transport string, opts Options) *ThreadedCapture {
	c := &ThreadedCapture{
		device: url,
		opts:   opts,
		latch:  NewLatch(),
	}
	if transport != "" {
		c.env = map[string]string{
			"OPENCV_FFMPEG_CAPTURE_OPTIONS": "rtsp_transport;" + transport,
		}
	}
	return c
}

// Start opens the device and spawns the read loop.
func (c *ThreadedCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyStarted
	}

	for k, v := range c.env {
		os.Setenv(k, v)
	}

	cap, err := gocv.OpenVideoCapture(c.device)
	if err != nil {
		return fmt.Errorf("open capture %v: %w", c.device, err)
	}

	cap.Set(gocv.VideoCaptureFrameWidth, float64(c.opts.Width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(c.opts.Height))
	cap.Set(gocv.VideoCaptureFPS, float64(c.opts.FPS))
	cap.Set(gocv.VideoCaptureBufferSize, 1)

	c.cap = cap
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.release = sync.Once{}

	go c.readLoop(cap, c.stopCh, c.doneCh)

	log.WithField("device", c.device).Debug("capture started")
	return nil
}

// readLoop continuously reads frames into the latch. A failed read
// sleeps briefly and retries; the loop never blocks the consumer.
func (c *ThreadedCapture) readLoop(cap *gocv.VideoCapture, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	mat := gocv.NewMat()
	defer mat.Close()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if ok := cap.Read(&mat); !ok || mat.Empty() {
			time.Sleep(readRetryDelay)
			continue
		}
		c.latch.Publish(mat)
	}
}

// Latest returns a copy of the most recent frame.
func (c *ThreadedCapture) Latest() (Frame, bool) {
	return c.latch.Latest()
}

// Stop signals the read loop, joins it with a bounded timeout, and
// releases the device handle exactly once. Proceeds even if the loop
// does not return in time, to guarantee forward progress.
func (c *ThreadedCapture) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(joinTimeout):
		log.WithField("device", c.device).Warn("capture loop did not stop within timeout")
	}

	c.release.Do(func() {
		if err := c.cap.Close(); err != nil {
			log.WithError(err).Warn("error releasing capture device")
		}
	})
}
