package types

import (
	"image"
	"image/color"
)

// Box is a pixel-space bounding box with x1<=x2 and y1<=y2.
type Box struct {
	X1 int
	Y1 int
	X2 int
	Y2 int
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Array returns the box in [x1, y1, x2, y2] order.
func (b Box) Array() [4]int {
	return [4]int{b.X1, b.Y1, b.X2, b.Y2}
}

// RawDetection is one row of model output before filtering.
type RawDetection struct {
	X1, Y1, X2, Y2 float64
	Confidence     float64
	ClassID        int
}

// Box rounds the raw coordinates to pixels, normalising the corner order.
func (r RawDetection) Box() Box {
	x1, x2 := roundPixel(r.X1), roundPixel(r.X2)
	y1, y2 := roundPixel(r.Y1), roundPixel(r.Y2)
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return Box{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// Detection is an accepted detection with its class resolved.
type Detection struct {
	Box        Box
	Confidence float64
	ClassID    int
	ClassName  string
	Color      color.RGBA
}

// AnnotatedFrame is one processed frame of a video run.
type AnnotatedFrame struct {
	FrameNumber int
	Image       *image.RGBA
	Detections  int
}

// FrameSummary is the per-frame record reported to callers.
type FrameSummary struct {
	FrameNumber int    `json:"frame_number"`
	Image       string `json:"image"`
	Detections  int    `json:"detections"`
}

// Pixel coordinates truncate toward zero.
func roundPixel(v float64) int {
	return int(v)
}

// WireDetection is the JSON shape of a detection in API responses.
type WireDetection struct {
	BBox       [4]int  `json:"bbox"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

// ToWire converts detections for JSON responses, never returning nil.
func ToWire(dets []Detection) []WireDetection {
	out := make([]WireDetection, len(dets))
	for i, d := range dets {
		out[i] = WireDetection{
			BBox:       d.Box.Array(),
			Confidence: d.Confidence,
			ClassID:    d.ClassID,
			ClassName:  d.ClassName,
		}
	}
	return out
}
