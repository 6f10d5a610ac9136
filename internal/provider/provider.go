// Package provider runs detection capabilities as sidecar processes.
// A provider encodes the frame as JPEG, writes a JSON request to the
// sidecar's stdin, and reads a JSON detection list from stdout. This
// keeps the heavy models (YOLO, face embedding, OCR) out of process
// while the pipeline stays plain Go.
package provider

import (
	"encoding/base64"
	"encoding/json"
	"image"
)

// Request is the JSON document written to a sidecar's stdin.
type Request struct {
	Kind   string `json:"kind"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	// Image is the base64-encoded JPEG frame.
	Image string `json:"image"`
}

// Result is one detection in a sidecar response.
type Result struct {
	// Box is [x1, y1, x2, y2].
	Box        [4]int    `json:"box"`
	Confidence float64   `json:"confidence"`
	Label      string    `json:"label"`
	Feature    []float32 `json:"feature,omitempty"`
}

// Response is the JSON document read from a sidecar's stdout.
type Response struct {
	Detections []Result `json:"detections"`
	Error      string   `json:"error,omitempty"`
}

// Rect converts the wire box to an image.Rectangle.
func (r Result) Rect() image.Rectangle {
	return image.Rect(r.Box[0], r.Box[1], r.Box[2], r.Box[3])
}

func encodeImage(jpeg []byte) string {
	return base64.StdEncoding.EncodeToString(jpeg)
}

func marshalRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}
