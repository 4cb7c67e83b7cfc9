// Package codec reads and writes video containers frame by frame.
package codec

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
)

var (
	// ErrSourceUnreadable is returned when a video cannot be opened or probed.
	ErrSourceUnreadable = errors.New("source unreadable")
	// ErrSinkUnwritable is returned when an output video cannot be written.
	ErrSinkUnwritable = errors.New("sink unwritable")
)

// Info describes a video stream.
type Info struct {
	FPS    float64
	Width  int
	Height int
}

// Reader yields decoded frames in source order. Next returns io.EOF after
// the last frame.
type Reader interface {
	Info() Info
	Next() (*image.RGBA, error)
	Close() error
}

// Writer accepts frames of the size given at creation.
type Writer interface {
	WriteFrame(img image.Image) error
	Close() error
}

// Codec opens sources and creates sinks.
type Codec interface {
	Open(ctx context.Context, path string) (Reader, error)
	Create(ctx context.Context, path string, info Info) (Writer, error)
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]func() (Codec, error){}
)

// Register makes a backend available to New.
func Register(name string, factory func() (Codec, error)) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// New returns the named backend.
func New(name string) (Codec, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown video backend %q (available: %v)", name, Backends())
	}
	return factory()
}

// Backends lists registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
