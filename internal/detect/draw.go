package detect

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Per-kind overlay colours (BGR order follows OpenCV convention but
// color.RGBA fields are named R/G/B).
var kindColors = map[Kind]color.RGBA{
	KindIdentity: {G: 255, A: 255},         // green
	KindObject:   {R: 255, G: 165, A: 255}, // orange
	KindText:     {B: 255, A: 255},         // blue
}

// unknownColor marks unrecognized identities.
var unknownColor = color.RGBA{R: 255, A: 255}

// Draw renders detections onto frame: a box per detection plus a
// filled label strip. The frame is mutated in place.
func Draw(frame *gocv.Mat, dets []Detection) {
	for _, d := range dets {
		c := kindColors[d.Kind]
		if d.Kind == KindIdentity && d.Label == Unknown {
			c = unknownColor
		}

		gocv.Rectangle(frame, d.Box, c, 2)

		label := d.Label
		if d.Kind != KindIdentity && d.Confidence > 0 {
			label = fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
		}
		if label == "" {
			continue
		}

		size := gocv.GetTextSize(label, gocv.FontHersheySimplex, 0.5, 1)
		bar := image.Rect(d.Box.Min.X, d.Box.Min.Y-size.Y-8, d.Box.Min.X+size.X+8, d.Box.Min.Y)
		if bar.Min.Y < 0 {
			bar = image.Rect(d.Box.Min.X, d.Box.Max.Y, d.Box.Min.X+size.X+8, d.Box.Max.Y+size.Y+8)
		}
		gocv.Rectangle(frame, bar, c, -1) // filled
		gocv.PutText(frame, label,
			image.Pt(bar.Min.X+4, bar.Max.Y-4),
			gocv.FontHersheySimplex, 0.5, color.RGBA{R: 255, G: 255, B: 255, A: 255}, 1)
	}
}
