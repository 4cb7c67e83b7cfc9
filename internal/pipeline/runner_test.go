package pipeline

import (
	"context"
	"errors"
	"image"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/underwater-trash-detector/internal/annotate"
	"github.com/dj-oyu/underwater-trash-detector/internal/classes"
	"github.com/dj-oyu/underwater-trash-detector/internal/codec"
	"github.com/dj-oyu/underwater-trash-detector/internal/codec/codectest"
	"github.com/dj-oyu/underwater-trash-detector/internal/detector"
	"github.com/dj-oyu/underwater-trash-detector/internal/metrics"
	"github.com/dj-oyu/underwater-trash-detector/internal/session"
	"github.com/dj-oyu/underwater-trash-detector/pkg/types"
)

// fakeModel returns one detection per call. It fails on call failOn
// (1-based, 0 disables) and blocks while gate is non-nil and open.
type fakeModel struct {
	mu     sync.Mutex
	calls  int
	failOn int
	labels map[int]string
	gate   chan struct{}
}

func (m *fakeModel) Detect(ctx context.Context, img image.Image) ([]types.RawDetection, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.failOn > 0 && n == m.failOn {
		return nil, errors.New("inference exploded")
	}
	return []types.RawDetection{
		{X1: 2, Y1: 2, X2: 10, Y2: 10, Confidence: 0.9, ClassID: 1},
		{X1: 4, Y1: 4, X2: 12, Y2: 12, Confidence: 0.1, ClassID: 2},
	}, nil
}

func (m *fakeModel) Labels() map[int]string { return m.labels }

func (m *fakeModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fixture struct {
	runner  *Runner
	codec   *codectest.Memory
	model   *fakeModel
	store   *session.Store
	metrics *metrics.Metrics
	reg     *classes.Registry
}

var testInfo = codec.Info{FPS: 24, Width: 32, Height: 24}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := codectest.New()
	model := &fakeModel{}
	holder := detector.NewHolder()
	holder.Set(model, "fake")
	reg := classes.NewRegistry()
	store := session.NewStore(session.Config{})
	m := metrics.New()
	r := NewRunner(Deps{
		Codec:     mem,
		Annotator: annotate.New(reg),
		Models:    holder,
		Store:     store,
		Metrics:   m,
		TempDir:   t.TempDir(),
	})
	return &fixture{runner: r, codec: mem, model: model, store: store, metrics: m, reg: reg}
}

var defaultOpts = RunOptions{FrameSkip: 5, Threshold: 0.5, MaxDetections: 20}

func TestProcessVideoSubsamplesFromFrameZero(t *testing.T) {
	f := newFixture(t)
	f.codec.AddSource("dive.mp4", testInfo, 23)

	var reports []Progress
	res, err := f.runner.ProcessVideo(context.Background(), "dive.mp4", defaultOpts, func(p Progress) {
		reports = append(reports, p)
	})
	require.NoError(t, err)

	require.Equal(t, 23, res.TotalFrames)
	require.Equal(t, 5, res.ProcessedFrames)
	var numbers []int
	for _, fr := range res.Frames {
		numbers = append(numbers, fr.FrameNumber)
		require.Equal(t, 1, fr.Detections)
		_, err := annotate.DecodeDataURL(fr.Image)
		require.NoError(t, err)
	}
	require.Equal(t, []int{0, 5, 10, 15, 20}, numbers)
	require.Equal(t, 5, f.model.Calls())
	require.Equal(t, map[string]int{"Can": 5}, res.ClassCounts)

	require.Len(t, reports, 23)
	require.NotNil(t, reports[0].Frame)
	require.Nil(t, reports[1].Frame)
	require.Equal(t, 23, reports[22].FramesRead)

	info, err := f.store.Peek(res.SessionID)
	require.NoError(t, err)
	require.Equal(t, 5, info.ProcessedFrames)
	require.Equal(t, 23, info.TotalFrames)
	require.Equal(t, 24.0, info.FPS)
	require.Equal(t, 32, info.Width)

	require.Equal(t, uint64(23), f.metrics.FramesDecoded.Load())
	require.Equal(t, uint64(5), f.metrics.DetectionsAccepted.Load())
}

func TestProcessVideoFrameSkipOne(t *testing.T) {
	f := newFixture(t)
	f.codec.AddSource("v.mp4", testInfo, 4)
	opts := defaultOpts
	opts.FrameSkip = 1
	res, err := f.runner.ProcessVideo(context.Background(), "v.mp4", opts, nil)
	require.NoError(t, err)
	require.Equal(t, 4, res.ProcessedFrames)
}

func TestProcessVideoUnreadableSource(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.ProcessVideo(context.Background(), "missing.mp4", defaultOpts, nil)
	require.ErrorIs(t, err, codec.ErrSourceUnreadable)
	require.Zero(t, f.store.Len())
}

func TestProcessVideoFailureRegistersNothing(t *testing.T) {
	t.Run("corrupt frame", func(t *testing.T) {
		f := newFixture(t)
		f.codec.PutSource("bad.mp4", codectest.Source{Info: testInfo, Frames: 23, FailAt: 12})
		_, err := f.runner.ProcessVideo(context.Background(), "bad.mp4", defaultOpts, nil)
		require.ErrorIs(t, err, codec.ErrSourceUnreadable)
		require.Zero(t, f.store.Len())
	})
	t.Run("inference error", func(t *testing.T) {
		f := newFixture(t)
		f.model.failOn = 3
		f.codec.AddSource("v.mp4", testInfo, 23)
		_, err := f.runner.ProcessVideo(context.Background(), "v.mp4", defaultOpts, nil)
		require.ErrorContains(t, err, "inference exploded")
		require.Zero(t, f.store.Len())
		require.Equal(t, uint64(1), f.metrics.InferenceErrors.Load())
	})
	t.Run("cancelled", func(t *testing.T) {
		f := newFixture(t)
		f.codec.AddSource("v.mp4", testInfo, 23)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.runner.ProcessVideo(ctx, "v.mp4", defaultOpts, nil)
		require.ErrorIs(t, err, context.Canceled)
		require.Zero(t, f.store.Len())
	})
}

func TestProcessVideoWithoutModel(t *testing.T) {
	f := newFixture(t)
	f.runner.models = detector.NewHolder()
	f.codec.AddSource("v.mp4", testInfo, 3)
	_, err := f.runner.ProcessVideo(context.Background(), "v.mp4", defaultOpts, nil)
	require.ErrorIs(t, err, annotate.ErrModelUnavailable)
}

func TestProcessVideoRejectsBadOptions(t *testing.T) {
	f := newFixture(t)
	for _, opts := range []RunOptions{
		{FrameSkip: 0, Threshold: 0.5},
		{FrameSkip: 1, Threshold: 1.5},
		{FrameSkip: 1, Threshold: 0.5, MaxDetections: -1},
	} {
		_, err := f.runner.ProcessVideo(context.Background(), "v.mp4", opts, nil)
		require.ErrorIs(t, err, ErrInvalidOptions)
	}
}

func TestExportSession(t *testing.T) {
	f := newFixture(t)
	f.codec.AddSource("v.mp4", testInfo, 23)
	res, err := f.runner.ProcessVideo(context.Background(), "v.mp4", defaultOpts, nil)
	require.NoError(t, err)

	exp, err := f.runner.ExportSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Equal(t, 5, exp.Frames)
	require.Equal(t, 24.0, exp.FPS)
	require.NotEmpty(t, exp.Video)

	_, err = f.runner.ExportSession(context.Background(), res.SessionID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	require.Equal(t, uint64(1), f.metrics.SessionsExported.Load())

	entries, err := os.ReadDir(f.runner.tempDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestExportSessionWritesAnnotatedFrames(t *testing.T) {
	f := newFixture(t)
	f.codec.AddSource("v.mp4", testInfo, 6)
	res, err := f.runner.ProcessVideo(context.Background(), "v.mp4", defaultOpts, nil)
	require.NoError(t, err)

	_, err = f.runner.ExportSession(context.Background(), res.SessionID)
	require.NoError(t, err)

	recs := f.codec.Recordings()
	require.Len(t, recs, 1)
	rec := recs[0]
	require.True(t, rec.Closed)
	require.Len(t, rec.Frames, 2)
	require.Equal(t, codec.Info{FPS: 24, Width: 32, Height: 24}, rec.Info)

	// the left edge of the class 1 box carries its palette color
	require.Equal(t, classes.Palette[1], rec.Frames[0].RGBAAt(2, 6))
}

func TestExportSessionRestoresOnFailure(t *testing.T) {
	f := newFixture(t)
	f.codec.AddSource("v.mp4", testInfo, 10)
	res, err := f.runner.ProcessVideo(context.Background(), "v.mp4", defaultOpts, nil)
	require.NoError(t, err)

	f.codec.FailCreate = true
	_, err = f.runner.ExportSession(context.Background(), res.SessionID)
	require.ErrorIs(t, err, codec.ErrSinkUnwritable)
	_, err = f.store.Peek(res.SessionID)
	require.NoError(t, err)

	f.codec.FailCreate = false
	_, err = f.runner.ExportSession(context.Background(), res.SessionID)
	require.NoError(t, err)
}

func TestExportSessionWithoutFrames(t *testing.T) {
	f := newFixture(t)
	f.codec.AddSource("empty.mp4", testInfo, 0)
	res, err := f.runner.ProcessVideo(context.Background(), "empty.mp4", defaultOpts, nil)
	require.NoError(t, err)
	require.Zero(t, res.ProcessedFrames)

	_, err = f.runner.ExportSession(context.Background(), res.SessionID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	// The token is not consumed by the failed export.
	info, err := f.store.Peek(res.SessionID)
	require.NoError(t, err)
	require.Zero(t, info.ProcessedFrames)
	require.Equal(t, 1, f.store.Len())
	require.Empty(t, f.codec.Recordings())
}

func TestReloadClasses(t *testing.T) {
	f := newFixture(t)

	applied, err := f.runner.ReloadClasses(context.Background(), map[int]string{2: "can", 0: "mask", 1: "glove"})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "Can", f.reg.Resolve(2).DisplayName)
	require.Equal(t, 3, f.reg.Len())

	f.model.labels = map[int]string{0: "tyre"}
	applied, err = f.runner.ReloadClasses(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "tyre", f.reg.Resolve(0).ShortName)

	f.model.labels = nil
	applied, err = f.runner.ReloadClasses(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, 1, f.reg.Len())

	f.runner.models = detector.NewHolder()
	_, err = f.runner.ReloadClasses(context.Background(), nil)
	require.ErrorIs(t, err, annotate.ErrModelUnavailable)
}
