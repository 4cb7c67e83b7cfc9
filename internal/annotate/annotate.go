// Package annotate runs a detector over a single frame and draws the
// accepted detections onto a copy of it.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/dj-oyu/underwater-trash-detector/internal/classes"
	"github.com/dj-oyu/underwater-trash-detector/internal/detector"
	"github.com/dj-oyu/underwater-trash-detector/pkg/types"
)

var (
	// ErrModelUnavailable is returned when no model is supplied.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrDecode is returned when the input cannot be read as an image.
	ErrDecode = errors.New("decode error")
)

const (
	boxLineWidth = 2
	labelOffset  = 10
	labelSize    = 14
)

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Options controls filtering of raw detections.
type Options struct {
	Threshold     float64 // minimum confidence, inclusive
	MaxDetections int     // cap on accepted detections per frame
}

// Annotator draws detections using the names and colors of a registry.
type Annotator struct {
	registry *classes.Registry
}

// New returns an annotator bound to registry.
func New(registry *classes.Registry) *Annotator {
	return &Annotator{registry: registry}
}

// Registry returns the class registry the annotator resolves against.
func (a *Annotator) Registry() *classes.Registry {
	return a.registry
}

// Detect runs model once on img and returns the accepted detections in the
// model's order: rows below the threshold are skipped and iteration stops
// after MaxDetections rows have been accepted.
func (a *Annotator) Detect(ctx context.Context, img image.Image, model detector.Model, opts Options) ([]types.Detection, error) {
	if model == nil {
		return nil, ErrModelUnavailable
	}
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}

	raw, err := model.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	accepted := make([]types.Detection, 0, min(len(raw), max(opts.MaxDetections, 0)))
	for _, r := range raw {
		if len(accepted) >= opts.MaxDetections {
			break
		}
		if r.Confidence < opts.Threshold {
			continue
		}
		class := a.registry.Resolve(r.ClassID)
		accepted = append(accepted, types.Detection{
			Box:        r.Box(),
			Confidence: r.Confidence,
			ClassID:    r.ClassID,
			ClassName:  class.DisplayName,
			Color:      class.Color,
		})
	}
	return accepted, nil
}

// Annotate detects on img and returns a copy with boxes and labels drawn.
// img itself is never modified.
func (a *Annotator) Annotate(ctx context.Context, img image.Image, model detector.Model, opts Options) (*image.RGBA, []types.Detection, error) {
	dets, err := a.Detect(ctx, img, model, opts)
	if err != nil {
		return nil, nil, err
	}
	out := CloneRGBA(img)
	a.Draw(out, dets)
	return out, dets, nil
}

// Draw renders dets onto dst in place.
func (a *Annotator) Draw(dst *image.RGBA, dets []types.Detection) {
	if len(dets) == 0 {
		return
	}
	dc := gg.NewContextForRGBA(dst)
	dc.SetFontFace(newLabelFace())
	origin := dst.Bounds().Min

	for _, d := range dets {
		r := d.Box.Rect().Sub(origin)
		drawRectangle(dc, r, d.Color, boxLineWidth)

		dc.SetColor(d.Color)
		dc.DrawString(Label(d), float64(r.Min.X), float64(r.Min.Y-labelOffset))
	}
}

// newLabelFace returns a fresh face per call; faces cache glyphs and are
// not safe for concurrent use.
func newLabelFace() font.Face {
	return truetype.NewFace(labelFont, &truetype.Options{Size: labelSize})
}

// Label formats the caption drawn above a detection.
func Label(d types.Detection) string {
	return fmt.Sprintf("%s: %.2f", d.ClassName, d.Confidence)
}

func drawRectangle(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
}

// CloneRGBA copies img into a new RGBA image with the same bounds.
func CloneRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}
