// Package pipeline turns uploaded videos into annotated frame sets and
// exported videos.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dj-oyu/underwater-trash-detector/internal/annotate"
	"github.com/dj-oyu/underwater-trash-detector/internal/codec"
	"github.com/dj-oyu/underwater-trash-detector/internal/detector"
	"github.com/dj-oyu/underwater-trash-detector/internal/logger"
	"github.com/dj-oyu/underwater-trash-detector/internal/metrics"
	"github.com/dj-oyu/underwater-trash-detector/internal/session"
	"github.com/dj-oyu/underwater-trash-detector/pkg/types"
)

// ExportFilename is the name offered for downloaded videos.
const ExportFilename = "detected_trash_video.mp4"

// ErrInvalidOptions is returned for out-of-range run parameters.
var ErrInvalidOptions = errors.New("invalid options")

// RunOptions are the per-request detection parameters.
type RunOptions struct {
	FrameSkip     int
	Threshold     float64
	MaxDetections int
}

// Validate checks the ranges accepted by ProcessVideo.
func (o RunOptions) Validate() error {
	switch {
	case o.FrameSkip < 1:
		return fmt.Errorf("%w: frame_skip must be >= 1, got %d", ErrInvalidOptions, o.FrameSkip)
	case o.Threshold < 0 || o.Threshold > 1:
		return fmt.Errorf("%w: confidence_threshold must be in [0,1], got %g", ErrInvalidOptions, o.Threshold)
	case o.MaxDetections < 0:
		return fmt.Errorf("%w: max_detections must be >= 0, got %d", ErrInvalidOptions, o.MaxDetections)
	}
	return nil
}

func (o RunOptions) annotate() annotate.Options {
	return annotate.Options{Threshold: o.Threshold, MaxDetections: o.MaxDetections}
}

// Result is the outcome of one video run.
type Result struct {
	Frames          []types.FrameSummary `json:"frames"`
	TotalFrames     int                  `json:"total_frames"`
	ProcessedFrames int                  `json:"processed_frames"`
	SessionID       string               `json:"session_id"`
	ClassCounts     map[string]int       `json:"class_counts,omitempty"`
}

// Progress is reported once per decoded frame. Frame and JPEG are set only
// for frames that were annotated.
type Progress struct {
	FrameNumber int
	FramesRead  int
	Processed   int
	Frame       *types.AnnotatedFrame
	JPEG        []byte
}

// ProgressFunc receives progress reports on the processing goroutine.
type ProgressFunc func(Progress)

// Export is an encoded video ready for download.
type Export struct {
	FPS    float64
	Width  int
	Height int
	Frames int
	Video  []byte
}

// Runner wires the codec, detector and session store together.
type Runner struct {
	codec       codec.Codec
	annotator   *annotate.Annotator
	models      *detector.Holder
	store       *session.Store
	metrics     *metrics.Metrics
	tempDir     string
	jpegQuality int
}

// Deps are the collaborators of a Runner. Metrics may be nil.
type Deps struct {
	Codec       codec.Codec
	Annotator   *annotate.Annotator
	Models      *detector.Holder
	Store       *session.Store
	Metrics     *metrics.Metrics
	TempDir     string
	JPEGQuality int
}

// NewRunner returns a runner using deps.
func NewRunner(deps Deps) *Runner {
	if deps.JPEGQuality <= 0 {
		deps.JPEGQuality = annotate.DefaultJPEGQuality
	}
	if deps.TempDir == "" {
		deps.TempDir = os.TempDir()
	}
	return &Runner{
		codec:       deps.Codec,
		annotator:   deps.Annotator,
		models:      deps.Models,
		store:       deps.Store,
		metrics:     deps.Metrics,
		tempDir:     deps.TempDir,
		jpegQuality: deps.JPEGQuality,
	}
}

// Annotator returns the annotator used for frames.
func (r *Runner) Annotator() *annotate.Annotator { return r.annotator }

// Models returns the model holder.
func (r *Runner) Models() *detector.Holder { return r.models }

// Store returns the session store.
func (r *Runner) Store() *session.Store { return r.store }

// ProcessVideo decodes source, annotates every FrameSkip-th frame counting
// from frame 0 and registers the annotated frames as a session. Frames are
// handled strictly in source order. On any error nothing is registered.
func (r *Runner) ProcessVideo(ctx context.Context, source string, opts RunOptions, progress ProgressFunc) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	model := r.models.Model()
	if model == nil {
		return nil, annotate.ErrModelUnavailable
	}

	start := time.Now()
	rd, err := r.codec.Open(ctx, source)
	if err != nil {
		r.countDecodeError()
		return nil, sourceError(err)
	}
	defer rd.Close()
	info := rd.Info()

	var (
		frames    []image.Image
		summaries []types.FrameSummary
		counts    = make(map[string]int)
		read      int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.countDecodeError()
			return nil, fmt.Errorf("frame %d: %w", read, sourceError(err))
		}
		n := read
		read++
		if r.metrics != nil {
			r.metrics.FramesDecoded.Add(1)
		}

		if n%opts.FrameSkip != 0 {
			if progress != nil {
				progress(Progress{FrameNumber: n, FramesRead: read, Processed: len(frames)})
			}
			continue
		}

		t0 := time.Now()
		out, dets, err := r.annotator.Annotate(ctx, img, model, opts.annotate())
		r.metrics.ObserveInference(time.Since(t0), err)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", n, err)
		}
		if r.metrics != nil {
			r.metrics.DetectionsAccepted.Add(uint64(len(dets)))
		}
		for _, d := range dets {
			counts[d.ClassName]++
		}

		jpg, err := annotate.EncodeJPEG(out, r.jpegQuality)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", n, err)
		}
		frames = append(frames, out)
		summaries = append(summaries, types.FrameSummary{
			FrameNumber: n,
			Image:       base64.StdEncoding.EncodeToString(jpg),
			Detections:  len(dets),
		})
		if progress != nil {
			progress(Progress{
				FrameNumber: n,
				FramesRead:  read,
				Processed:   len(frames),
				Frame:       &types.AnnotatedFrame{FrameNumber: n, Image: out, Detections: len(dets)},
				JPEG:        jpg,
			})
		}
	}

	width, height := info.Width, info.Height
	if len(frames) > 0 {
		b := frames[0].Bounds()
		width, height = b.Dx(), b.Dy()
	}
	token := r.store.Create(frames, info.FPS, width, height, read)
	if r.metrics != nil {
		r.metrics.SessionsCreated.Add(1)
		r.metrics.SessionsActive.Store(int64(r.store.Len()))
		r.metrics.UpdateVideoLatency(time.Since(start))
	}
	logger.Info("Pipeline", "Processed %s: %d/%d frames annotated in %s (session %s)",
		filepath.Base(source), len(frames), read, time.Since(start).Round(time.Millisecond), token)

	return &Result{
		Frames:          summaries,
		TotalFrames:     read,
		ProcessedFrames: len(frames),
		SessionID:       token,
		ClassCounts:     counts,
	}, nil
}

// ExportSession drains the session for token and encodes its frames as an
// MP4 at the session's frame rate and size. If writing fails the session is
// put back so the export can be retried.
func (r *Runner) ExportSession(ctx context.Context, token string) (*Export, error) {
	info, err := r.store.Peek(token)
	if err != nil {
		return nil, err
	}
	// A session without frames stays stored; there is nothing to export.
	if info.ProcessedFrames == 0 {
		return nil, fmt.Errorf("%w: no processed frames", session.ErrSessionNotFound)
	}
	sess, err := r.store.Take(token)
	if err != nil {
		return nil, err
	}

	data, err := r.encode(ctx, sess)
	if err != nil {
		r.store.Restore(sess)
		if r.metrics != nil {
			r.metrics.ExportErrors.Add(1)
		}
		logger.Warn("Pipeline", "Export of session %s failed, kept for retry: %v", token, err)
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.SessionsExported.Add(1)
		r.metrics.SessionsActive.Store(int64(r.store.Len()))
	}
	logger.Info("Pipeline", "Exported session %s (%d frames, %d bytes)", token, len(sess.Frames), len(data))
	return &Export{
		FPS:    sess.FPS,
		Width:  sess.Width,
		Height: sess.Height,
		Frames: len(sess.Frames),
		Video:  data,
	}, nil
}

func (r *Runner) encode(ctx context.Context, sess *session.Session) ([]byte, error) {
	dir, err := os.MkdirTemp(r.tempDir, "export-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrSinkUnwritable, err)
	}
	defer os.RemoveAll(dir)

	fps := sess.FPS
	if fps <= 0 {
		fps = 30
	}
	path := filepath.Join(dir, ExportFilename)
	w, err := r.codec.Create(ctx, path, codec.Info{FPS: fps, Width: sess.Width, Height: sess.Height})
	if err != nil {
		return nil, sinkError(err)
	}
	for i, f := range sess.Frames {
		if err := ctx.Err(); err != nil {
			_ = w.Close()
			return nil, err
		}
		if err := w.WriteFrame(f); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("frame %d: %w", i, sinkError(err))
		}
	}
	if err := w.Close(); err != nil {
		return nil, sinkError(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrSinkUnwritable, err)
	}
	return data, nil
}

// ReloadClasses replaces the class table. With no labels given the loaded
// model's own label set is used. It reports whether the table changed; an
// empty label set leaves it as it was.
func (r *Runner) ReloadClasses(ctx context.Context, labels map[int]string) (bool, error) {
	if len(labels) == 0 {
		model := r.models.Model()
		if model == nil {
			return false, annotate.ErrModelUnavailable
		}
		labels = model.Labels()
	}
	applied := r.annotator.Registry().ReplaceFromModel(labels)
	if applied {
		logger.Info("Pipeline", "Class table reloaded with %d classes", len(labels))
	} else {
		logger.Warn("Pipeline", "Empty label set, class table unchanged")
	}
	return applied, nil
}

func (r *Runner) countDecodeError() {
	if r.metrics != nil {
		r.metrics.DecodeErrors.Add(1)
	}
}

func sourceError(err error) error {
	if errors.Is(err, codec.ErrSourceUnreadable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", codec.ErrSourceUnreadable, err)
}

func sinkError(err error) error {
	if errors.Is(err, codec.ErrSinkUnwritable) {
		return err
	}
	return fmt.Errorf("%w: %v", codec.ErrSinkUnwritable, err)
}
