// Package detector holds the object-detection model backends.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/dj-oyu/underwater-trash-detector/pkg/types"
)

// Model runs object detection on a decoded image.
type Model interface {
	// Detect returns raw detections in the model's native order.
	Detect(ctx context.Context, img image.Image) ([]types.RawDetection, error)
	// Labels returns the label set the model was trained with, or nil.
	Labels() map[int]string
}

// ErrNotLoaded is returned by a Holder before a model has been set.
var ErrNotLoaded = errors.New("model not loaded")

// Holder tracks the currently loaded model and its load state for health
// reporting. A nil Holder reports no model.
type Holder struct {
	mu     sync.RWMutex
	model  Model
	status string
}

// NewHolder returns an empty holder.
func NewHolder() *Holder {
	return &Holder{status: "not loaded"}
}

// Set installs a loaded model.
func (h *Holder) Set(m Model, backend string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.model = m
	h.status = fmt.Sprintf("loaded (%s)", backend)
}

// Fail records a load failure.
func (h *Holder) Fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.model = nil
	h.status = fmt.Sprintf("error: %v", err)
}

// Model returns the loaded model, or nil.
func (h *Holder) Model() Model {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.model
}

// Status returns a human readable load state and whether a model is usable.
func (h *Holder) Status() (string, bool) {
	if h == nil {
		return "not loaded", false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status, h.model != nil
}

// Close releases the model if it owns external resources.
func (h *Holder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.model.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
