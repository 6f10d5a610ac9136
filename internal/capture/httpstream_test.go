package capture

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"
)

func encodeJPEG(t *testing.T, brightness float64) []byte {
	t.Helper()
	m := solidMat(brightness)
	defer m.Close()

	buf, err := gocv.IMEncode(".jpg", m)
	if err != nil {
		t.Fatalf("IMEncode() error = %v", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out
}

// corruptJPEG is a marker-delimited span whose payload cannot decode.
func corruptJPEG() []byte {
	payload := bytes.Repeat([]byte{0x42}, 64)
	b := append([]byte{0xff, 0xd8}, payload...)
	return append(b, 0xff, 0xd9)
}

// blockingStream serves a fixed prefix, then blocks until closed, the
// way a live MJPEG connection idles between frames.
type blockingStream struct {
	data   []byte
	off    int
	closed chan struct{}
	once   sync.Once
}

func newBlockingStream(data []byte) *blockingStream {
	return &blockingStream{data: data, closed: make(chan struct{})}
}

func (b *blockingStream) Read(p []byte) (int, error) {
	if b.off < len(b.data) {
		n := copy(p, b.data[b.off:])
		b.off += n
		return n, nil
	}
	<-b.closed
	return 0, io.ErrClosedPipe
}

func (b *blockingStream) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestExtractJPEG(t *testing.T) {
	frame := []byte{0xff, 0xd8, 1, 2, 3, 0xff, 0xd9}

	tests := []struct {
		name     string
		buf      []byte
		wantOK   bool
		wantJPEG []byte
		wantRest []byte
	}{
		{
			name:     "complete span",
			buf:      frame,
			wantOK:   true,
			wantJPEG: frame,
			wantRest: []byte{},
		},
		{
			name:     "leading noise discarded",
			buf:      append([]byte{9, 9, 9}, frame...),
			wantOK:   true,
			wantJPEG: frame,
			wantRest: []byte{},
		},
		{
			name:     "trailing bytes preserved",
			buf:      append(append([]byte{}, frame...), 0xff, 0xd8, 7),
			wantOK:   true,
			wantJPEG: frame,
			wantRest: []byte{0xff, 0xd8, 7},
		},
		{
			name:     "incomplete span",
			buf:      []byte{0xff, 0xd8, 1, 2},
			wantOK:   false,
			wantRest: []byte{0xff, 0xd8, 1, 2},
		},
		{
			name:   "no start marker",
			buf:    []byte{1, 2, 3},
			wantOK: false,
			// Only the final byte is retained for a split marker.
			wantRest: []byte{3},
		},
		{
			name:     "empty buffer",
			buf:      nil,
			wantOK:   false,
			wantRest: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jpg, rest, ok := ExtractJPEG(tt.buf)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !bytes.Equal(jpg, tt.wantJPEG) {
				t.Errorf("jpg = % x, want % x", jpg, tt.wantJPEG)
			}
			if !bytes.Equal(rest, tt.wantRest) {
				t.Errorf("rest = % x, want % x", rest, tt.wantRest)
			}
		})
	}
}

func TestHTTPStream_PublishesDecodedFrames(t *testing.T) {
	var data []byte
	for _, v := range []float64{40, 80, 120} {
		data = append(data, encodeJPEG(t, v)...)
	}
	stream := newBlockingStream(data)

	s := NewHTTPStream("http://test/video", StreamOptions{
		FirstFramePolls: 50,
		PollInterval:    10 * time.Millisecond,
		Dial: func() (io.ReadCloser, error) {
			return stream, nil
		},
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	// All three spans land quickly; the latch keeps only the last.
	deadline := time.Now().Add(time.Second)
	for s.latch.Seq() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	f, ok := s.Latest()
	if !ok {
		t.Fatal("Latest() returned no frame")
	}
	defer f.Close()

	if f.Seq != 3 {
		t.Errorf("frame Seq = %d, want 3 (one publish per span)", f.Seq)
	}
	mean := f.Mat.Mean()
	if mean.Val1 < 100 || mean.Val1 > 140 {
		t.Errorf("frame brightness = %.1f, want ~120 (freshest span wins)", mean.Val1)
	}
}

func TestHTTPStream_StartFailsWithoutFrames(t *testing.T) {
	s := NewHTTPStream("http://test/video", StreamOptions{
		FirstFramePolls: 3,
		PollInterval:    10 * time.Millisecond,
		Dial: func() (io.ReadCloser, error) {
			return newBlockingStream(nil), nil
		},
	})

	err := s.Start()
	if !errors.Is(err, ErrNoFrames) {
		t.Fatalf("Start() error = %v, want ErrNoFrames", err)
	}
}

func TestHTTPStream_DecodeStreakTriggersSingleReconnect(t *testing.T) {
	const limit = 5

	var garbage []byte
	for i := 0; i < limit+3; i++ {
		garbage = append(garbage, corruptJPEG()...)
	}
	good := encodeJPEG(t, 90)

	var dials int
	var mu sync.Mutex
	s := NewHTTPStream("http://test/video", StreamOptions{
		DecodeFailureLimit: limit,
		FirstFramePolls:    100,
		PollInterval:       10 * time.Millisecond,
		Dial: func() (io.ReadCloser, error) {
			mu.Lock()
			dials++
			n := dials
			mu.Unlock()
			if n == 1 {
				return newBlockingStream(garbage), nil
			}
			return newBlockingStream(good), nil
		},
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	mu.Lock()
	gotDials := dials
	mu.Unlock()

	if gotDials != 2 {
		t.Errorf("dials = %d, want 2 (initial connect + one reconnect)", gotDials)
	}
	if got := s.Reconnects(); got != 1 {
		t.Errorf("Reconnects() = %d, want 1", got)
	}

	f, ok := s.Latest()
	if !ok {
		t.Fatal("Latest() returned no frame after reconnect")
	}
	f.Close()
}

func TestHTTPStream_StopReleasesConnection(t *testing.T) {
	stream := newBlockingStream(encodeJPEG(t, 60))

	s := NewHTTPStream("http://test/video", StreamOptions{
		FirstFramePolls: 50,
		PollInterval:    10 * time.Millisecond,
		Dial: func() (io.ReadCloser, error) {
			return stream, nil
		},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s.Stop()
	s.Stop() // idempotent

	select {
	case <-stream.closed:
	default:
		t.Error("Stop() did not close the underlying connection")
	}
}
