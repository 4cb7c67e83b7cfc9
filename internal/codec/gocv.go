//go:build gocv

package codec

import (
	"context"
	"fmt"
	"image"
	"io"

	"gocv.io/x/gocv"
)

func init() {
	Register("gocv", func() (Codec, error) { return GoCV{}, nil })
}

// GoCV uses OpenCV's VideoCapture and VideoWriter. Build with -tags gocv
// on hosts with OpenCV installed.
type GoCV struct{}

// Open starts reading path through OpenCV.
func (GoCV) Open(ctx context.Context, path string) (Reader, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: cannot open %s", ErrSourceUnreadable, path)
	}
	info := Info{
		FPS:    vc.Get(gocv.VideoCaptureFPS),
		Width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
	}
	if info.FPS <= 0 {
		info.FPS = 30
	}
	return &gocvReader{ctx: ctx, vc: vc, mat: gocv.NewMat(), info: info}, nil
}

type gocvReader struct {
	ctx  context.Context
	vc   *gocv.VideoCapture
	mat  gocv.Mat
	info Info
}

func (r *gocvReader) Info() Info { return r.info }

func (r *gocvReader) Next() (*image.RGBA, error) {
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	if ok := r.vc.Read(&r.mat); !ok || r.mat.Empty() {
		return nil, io.EOF
	}
	img, err := r.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	return out, nil
}

func (r *gocvReader) Close() error {
	r.mat.Close()
	return r.vc.Close()
}

// Create opens an mp4v writer at path.
func (GoCV) Create(ctx context.Context, path string, info Info) (Writer, error) {
	vw, err := gocv.VideoWriterFile(path, "mp4v", info.FPS, info.Width, info.Height, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSinkUnwritable, err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("%w: cannot open %s", ErrSinkUnwritable, path)
	}
	return &gocvWriter{vw: vw}, nil
}

type gocvWriter struct {
	vw *gocv.VideoWriter
}

func (w *gocvWriter) WriteFrame(img image.Image) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnwritable, err)
	}
	defer mat.Close()
	if err := w.vw.Write(mat); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnwritable, err)
	}
	return nil
}

func (w *gocvWriter) Close() error {
	return w.vw.Close()
}
