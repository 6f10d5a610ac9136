// Package server provides the HTTP surface for the camera pipeline.
package server

import (
	"fmt"
	"net/http"
	"time"

	"gocv.io/x/gocv"

	"github.com/4hmed7ounas/wraith-camera-module/internal/capture"
)

// StreamHandler serves the annotated pipeline output as an MJPEG
// stream. Each client polls the output latch at its own pace; a slow
// client only ever skips frames, it never backs up the pipeline.
type StreamHandler struct {
	output *capture.Latch
}

// NewStreamHandler creates a StreamHandler reading from the given latch.
func NewStreamHandler(output *capture.Latch) *StreamHandler {
	return &StreamHandler{output: output}
}

// ServeHTTP streams MJPEG frames to connected clients.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var lastSeq uint64
	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		if h.output.Seq() == lastSeq {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		frame, ok := h.output.Latest()
		if !ok {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		lastSeq = frame.Seq

		buf, err := gocv.IMEncode(".jpg", frame.Mat)
		frame.Close()
		if err != nil {
			continue
		}

		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", buf.Len())
		if _, err := w.Write(buf.GetBytes()); err != nil {
			buf.Close()
			return
		}
		fmt.Fprintf(w, "\r\n")
		buf.Close()

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		time.Sleep(66 * time.Millisecond) // ~15 FPS
	}
}
