// Package detect defines the generic detection result model and the
// capability contract implemented by pluggable detection providers
// (object detector, identity recognizer, text recognizer).
package detect

import (
	"image"

	"gocv.io/x/gocv"
)

// Kind identifies a detection capability variant.
type Kind int

const (
	// KindIdentity is face/identity recognition.
	KindIdentity Kind = iota
	// KindObject is general object detection.
	KindObject
	// KindText is text region recognition.
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindObject:
		return "object"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// ParseKind maps a kind name back to its value.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "identity":
		return KindIdentity, true
	case "object":
		return KindObject, true
	case "text":
		return KindText, true
	default:
		return 0, false
	}
}

// PriorityOrder is the fixed order stages run in within one frame.
// Later stages draw onto the frame already annotated by earlier ones,
// so the order is part of the observable contract.
var PriorityOrder = []Kind{KindIdentity, KindObject, KindText}

// Unknown is the label an identity recognizer reports for a face it
// cannot match.
const Unknown = "UNKNOWN"

// Detection is one result from a capability: a box, a confidence, and
// a label (object class, identity name, or recognized text).
type Detection struct {
	Box        image.Rectangle
	Confidence float64
	Label      string
	Kind       Kind

	// Feature carries the identity embedding for KindIdentity
	// results, so an unknown face can later be enrolled under a
	// user-supplied name.
	Feature []float32
}

// Capability is a pluggable detection provider. Implementations are
// opaque to the pipeline; a frame goes in, detections come out.
type Capability interface {
	// Detect analyzes a frame and returns its detections. An empty
	// slice means a confirmed absence.
	Detect(frame *gocv.Mat) ([]Detection, error)

	// Close releases any resources held by the capability.
	Close() error
}
