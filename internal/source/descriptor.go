// Package source turns a camera source descriptor (device index, RTSP
// URL, or MJPEG-over-HTTP URL) into a live frame producer, probing
// transport variants and deriving HTTP fallbacks when the primary
// transport fails.
package source

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/4hmed7ounas/wraith-camera-module/internal/capture"
)

// Kind discriminates the source descriptor variants.
type Kind int

const (
	// Local is a directly attached device, addressed by index.
	Local Kind = iota
	// Streaming is a real-time stream URL (rtsp/rtmp).
	Streaming
	// HTTPMjpeg is a motion-JPEG-over-HTTP URL.
	HTTPMjpeg
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case Streaming:
		return "streaming"
	case HTTPMjpeg:
		return "http-mjpeg"
	default:
		return "unknown"
	}
}

// Descriptor identifies a camera source plus its target geometry.
type Descriptor struct {
	Kind   Kind
	Device int    // Local only
	URL    string // Streaming and HTTPMjpeg

	Options capture.Options
}

// Parse maps a source string to a Descriptor: a bare integer selects
// a local device, rtsp/rtmp schemes select a real-time stream, and
// http(s) selects an MJPEG stream.
func Parse(s string) (Descriptor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Descriptor{}, fmt.Errorf("empty source descriptor")
	}

	if id, err := strconv.Atoi(s); err == nil {
		if id < 0 {
			return Descriptor{}, fmt.Errorf("negative device index %d", id)
		}
		return Descriptor{Kind: Local, Device: id, Options: capture.DefaultOptions()}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return Descriptor{}, fmt.Errorf("parse source %q: %w", s, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtmp":
		return Descriptor{Kind: Streaming, URL: s, Options: capture.DefaultOptions()}, nil
	case "http", "https":
		return Descriptor{Kind: HTTPMjpeg, URL: s, Options: capture.DefaultOptions()}, nil
	default:
		return Descriptor{}, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

// String renders the descriptor for logs and diagnostics.
func (d Descriptor) String() string {
	if d.Kind == Local {
		return fmt.Sprintf("device:%d", d.Device)
	}
	return d.URL
}
