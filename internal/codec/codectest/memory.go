// Package codectest provides an in-memory video codec for tests.
package codectest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"sync"

	"github.com/dj-oyu/underwater-trash-detector/internal/codec"
)

// Memory serves synthetic videos registered by path and records what is
// written. It satisfies codec.Codec.
type Memory struct {
	mu      sync.Mutex
	sources map[string]Source
	written map[string]*Recording

	// FailCreate makes every Create fail with codec.ErrSinkUnwritable.
	FailCreate bool
}

// Source is a synthetic video.
type Source struct {
	Info   codec.Info
	Frames int
	// FailAt makes Next fail when this frame index is reached (-1 disables).
	FailAt int
}

// Recording is the output of one Create call.
type Recording struct {
	Info   codec.Info
	Frames []*image.RGBA
	Closed bool
}

// New returns an empty codec.
func New() *Memory {
	return &Memory{
		sources: make(map[string]Source),
		written: make(map[string]*Recording),
	}
}

// AddSource registers a video of n frames at path.
func (m *Memory) AddSource(path string, info codec.Info, n int) {
	m.PutSource(path, Source{Info: info, Frames: n, FailAt: -1})
}

// PutSource registers src at path, replacing any previous source.
func (m *Memory) PutSource(path string, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[path] = src
}

// Recording returns what was written to path.
func (m *Memory) Recording(path string) (*Recording, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.written[path]
	return r, ok
}

// Recordings returns every recording in no particular order.
func (m *Memory) Recordings() []*Recording {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Recording, 0, len(m.written))
	for _, r := range m.written {
		out = append(out, r)
	}
	return out
}

// Open implements codec.Codec.
func (m *Memory) Open(ctx context.Context, path string) (codec.Reader, error) {
	m.mu.Lock()
	src, ok := m.sources[path]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", codec.ErrSourceUnreadable, path)
	}
	return &reader{src: src}, nil
}

// Create implements codec.Codec.
func (m *Memory) Create(ctx context.Context, path string, info codec.Info) (codec.Writer, error) {
	if m.FailCreate {
		return nil, fmt.Errorf("%w: %s", codec.ErrSinkUnwritable, path)
	}
	rec := &Recording{Info: info}
	m.mu.Lock()
	m.written[path] = rec
	m.mu.Unlock()
	return &writer{mu: &m.mu, rec: rec, path: path}, nil
}

type reader struct {
	src  Source
	next int
}

func (r *reader) Info() codec.Info { return r.src.Info }

func (r *reader) Next() (*image.RGBA, error) {
	if r.next >= r.src.Frames {
		return nil, io.EOF
	}
	if r.src.FailAt >= 0 && r.next == r.src.FailAt {
		return nil, fmt.Errorf("%w: corrupt frame %d", codec.ErrSourceUnreadable, r.next)
	}
	img := Frame(r.src.Info.Width, r.src.Info.Height, r.next)
	r.next++
	return img, nil
}

func (r *reader) Close() error { return nil }

type writer struct {
	mu   *sync.Mutex
	rec  *Recording
	path string
}

func (w *writer) WriteFrame(img image.Image) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rec.Closed {
		return errors.New("write after close")
	}
	b := img.Bounds()
	if b.Dx() != w.rec.Info.Width || b.Dy() != w.rec.Info.Height {
		return fmt.Errorf("%w: frame is %dx%d, want %dx%d", codec.ErrSinkUnwritable, b.Dx(), b.Dy(), w.rec.Info.Width, w.rec.Info.Height)
	}
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	w.rec.Frames = append(w.rec.Frames, out)
	return nil
}

// Close marks the recording finished and writes a small placeholder file
// so callers that read the output back find something on disk.
func (w *writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rec.Closed = true
	body := fmt.Sprintf("memory video %dx%d @ %g fps, %d frames\n", w.rec.Info.Width, w.rec.Info.Height, w.rec.Info.FPS, len(w.rec.Frames))
	if err := os.WriteFile(w.path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("%w: %v", codec.ErrSinkUnwritable, err)
	}
	return nil
}

// Frame returns a solid frame whose red channel encodes index.
func Frame(w, h, index int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := color.RGBA{R: uint8(index), G: 40, B: 80, A: 255}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}
