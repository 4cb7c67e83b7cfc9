package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/underwater-trash-detector/internal/annotate"
	"github.com/dj-oyu/underwater-trash-detector/internal/classes"
	"github.com/dj-oyu/underwater-trash-detector/internal/codec"
	"github.com/dj-oyu/underwater-trash-detector/internal/codec/codectest"
	"github.com/dj-oyu/underwater-trash-detector/internal/config"
	"github.com/dj-oyu/underwater-trash-detector/internal/detector"
	"github.com/dj-oyu/underwater-trash-detector/internal/live"
	"github.com/dj-oyu/underwater-trash-detector/internal/metrics"
	"github.com/dj-oyu/underwater-trash-detector/internal/pipeline"
	"github.com/dj-oyu/underwater-trash-detector/internal/session"
	"github.com/dj-oyu/underwater-trash-detector/pkg/types"
)

type fakeModel struct{}

func (fakeModel) Detect(ctx context.Context, img image.Image) ([]types.RawDetection, error) {
	return []types.RawDetection{
		{X1: 2, Y1: 2, X2: 10, Y2: 10, Confidence: 0.9, ClassID: 1},
		{X1: 4, Y1: 4, X2: 12, Y2: 12, Confidence: 0.2, ClassID: 5},
	}, nil
}

func (fakeModel) Labels() map[int]string { return nil }

// uploadCodec serves the registered clip for any uploaded file that exists.
type uploadCodec struct {
	*codectest.Memory
}

func (c uploadCodec) Open(ctx context.Context, path string) (codec.Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrSourceUnreadable, err)
	}
	return c.Memory.Open(ctx, "clip")
}

type fakeOffers struct {
	answer []byte
	err    error
}

func (f *fakeOffers) HandleOffer(offerJSON []byte) ([]byte, error) {
	return f.answer, f.err
}

type fixture struct {
	ts        *httptest.Server
	cfg       config.Config
	holder    *detector.Holder
	store     *session.Store
	metrics   *metrics.Metrics
	offers    *fakeOffers
	uploadDir string
}

var clipInfo = codec.Info{FPS: 12, Width: 32, Height: 24}

func newFixture(t *testing.T, withModel bool) *fixture {
	t.Helper()
	mem := codectest.New()
	mem.AddSource("clip", clipInfo, 12)

	holder := detector.NewHolder()
	if withModel {
		holder.Set(fakeModel{}, "fake")
	}
	store := session.NewStore(session.Config{})
	m := metrics.New()
	runner := pipeline.NewRunner(pipeline.Deps{
		Codec:     uploadCodec{mem},
		Annotator: annotate.New(classes.NewRegistry()),
		Models:    holder,
		Store:     store,
		Metrics:   m,
		TempDir:   t.TempDir(),
	})
	jobs := pipeline.NewJobs(runner, m, pipeline.JobsConfig{Workers: 1, QueueSize: 4, Retain: time.Hour})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Close(ctx)
	})

	cfg := config.DefaultConfig()
	cfg.Server.UploadDir = t.TempDir()
	offers := &fakeOffers{answer: []byte(`{"type":"answer","sdp":"v=0"}`)}

	srv := NewServer(cfg, Deps{Runner: runner, Jobs: jobs, Live: offers, Metrics: m})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{
		ts:        ts,
		cfg:       cfg,
		holder:    holder,
		store:     store,
		metrics:   m,
		offers:    offers,
		uploadDir: cfg.Server.UploadDir,
	}
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return f.do(t, http.MethodPost, path, "application/json", bytes.NewReader(data))
}

func (f *fixture) upload(t *testing.T, path, filename string, fields map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("video", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte("not really a video"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return f.do(t, http.MethodPost, path, mw.FormDataContentType(), &buf)
}

func decodeMap(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func frameDataURL(t *testing.T) string {
	t.Helper()
	encoded, err := annotate.EncodeBase64JPEG(codectest.Frame(32, 24, 7), 90)
	require.NoError(t, err)
	return "data:image/jpeg;base64," + encoded
}

type runResult struct {
	Frames          []types.FrameSummary `json:"frames"`
	TotalFrames     int                  `json:"total_frames"`
	ProcessedFrames int                  `json:"processed_frames"`
	SessionID       string               `json:"session_id"`
	ClassCounts     map[string]int       `json:"class_counts"`
}

func (f *fixture) uploadClip(t *testing.T) runResult {
	t.Helper()
	resp, body := f.upload(t, "/upload_video", "dive.MP4", map[string]string{"frame_skip": "5"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res runResult
	require.NoError(t, json.Unmarshal(body, &res))
	return res
}

func TestIndex(t *testing.T) {
	f := newFixture(t, true)
	resp, body := f.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	require.Contains(t, string(body), "Underwater Trash Detection")
}

func TestHealth(t *testing.T) {
	f := newFixture(t, true)
	resp, body := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeMap(t, body)
	require.Equal(t, "healthy", health["status"])
	require.Equal(t, true, health["model_loaded"])
	require.Equal(t, "loaded (fake)", health["model_status"])
	require.EqualValues(t, 15, health["classes"])

	f.holder.Fail(errors.New("weights missing"))
	_, body = f.do(t, http.MethodGet, "/health", "", nil)
	health = decodeMap(t, body)
	require.Equal(t, "degraded", health["status"])
	require.Equal(t, false, health["model_loaded"])
	require.Contains(t, health["model_status"], "weights missing")
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t, true)

	tests := []struct {
		name     string
		filename string
		fields   map[string]string
		want     string
	}{
		{name: "missing file", want: "No video file provided"},
		{name: "bad extension", filename: "notes.txt", want: "Unsupported file format. Please use: mp4, avi, mov, mkv"},
		{name: "zero frame skip", filename: "dive.mp4", fields: map[string]string{"frame_skip": "0"}, want: "frame_skip must be >= 1"},
		{name: "threshold out of range", filename: "dive.mp4", fields: map[string]string{"confidence_threshold": "1.5"}, want: "confidence_threshold must be in [0,1]"},
		{name: "non numeric", filename: "dive.mp4", fields: map[string]string{"max_detections": "lots"}, want: "max_detections must be an integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.upload(t, "/upload_video", tt.filename, tt.fields)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.Contains(t, decodeMap(t, body)["error"], tt.want)
		})
	}

	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestUploadWithoutModel(t *testing.T) {
	f := newFixture(t, false)
	resp, body := f.upload(t, "/upload_video", "dive.mp4", nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, msgModelMissing, decodeMap(t, body)["error"])
}

func TestUploadProcessesVideo(t *testing.T) {
	f := newFixture(t, true)
	res := f.uploadClip(t)

	require.Equal(t, 12, res.TotalFrames)
	require.Equal(t, 3, res.ProcessedFrames)
	require.Len(t, res.Frames, 3)
	for i, fr := range res.Frames {
		require.Equal(t, i*5, fr.FrameNumber)
		require.Equal(t, 1, fr.Detections)
	}
	require.Equal(t, map[string]int{"Can": 3}, res.ClassCounts)
	require.NotEmpty(t, res.SessionID)
	require.Equal(t, 1, f.store.Len())

	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRecreateVideo(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.do(t, http.MethodPost, "/recreate_video", "application/json", strings.NewReader("{"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, msgSessionNotFound, decodeMap(t, body)["error"])

	resp, body = f.postJSON(t, "/recreate_video", map[string]string{"session_id": "unknown"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, msgSessionNotFound, decodeMap(t, body)["error"])

	res := f.uploadClip(t)
	resp, body = f.postJSON(t, "/recreate_video", map[string]string{"session_id": res.SessionID})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	require.Equal(t, `attachment; filename="detected_trash_video.mp4"`, resp.Header.Get("Content-Disposition"))
	require.NotEmpty(t, body)
	require.Equal(t, 0, f.store.Len())

	resp, body = f.postJSON(t, "/recreate_video", map[string]string{"session_id": res.SessionID})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, msgSessionNotFound, decodeMap(t, body)["error"])
}

func TestSessionInfo(t *testing.T) {
	f := newFixture(t, true)

	resp, _ := f.do(t, http.MethodGet, "/api/sessions/unknown", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	res := f.uploadClip(t)
	resp, body := f.do(t, http.MethodGet, "/api/sessions/"+res.SessionID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decodeMap(t, body)
	require.Equal(t, res.SessionID, info["session_id"])
	require.EqualValues(t, 3, info["processed_frames"])
	require.EqualValues(t, 12, info["total_frames"])
	require.Equal(t, 1, f.store.Len())
}

func TestProcessFrame(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.postJSON(t, "/process_frame", map[string]any{"frame": frameDataURL(t)})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out struct {
		Detections []types.WireDetection `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, []types.WireDetection{
		{BBox: [4]int{2, 2, 10, 10}, Confidence: 0.9, ClassID: 1, ClassName: "Can"},
	}, out.Detections)

	resp, body = f.postJSON(t, "/process_frame", map[string]any{
		"frame":                frameDataURL(t),
		"confidence_threshold": 0.1,
		"max_detections":       5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Detections, 2)
	require.Equal(t, "Glove", out.Detections[1].ClassName)

	resp, body = f.postJSON(t, "/process_frame", map[string]any{
		"frame":                frameDataURL(t),
		"confidence_threshold": 0.95,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"detections":[]`)
}

func TestProcessFrameErrors(t *testing.T) {
	f := newFixture(t, true)

	resp, _ := f.postJSON(t, "/process_frame", map[string]any{"frame": "data:image/jpeg;base64,!!!"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.postJSON(t, "/process_frame", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/annotate_frame", "application/json", strings.NewReader("not json"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.holder.Fail(errors.New("gone"))
	resp, body := f.postJSON(t, "/process_frame", map[string]any{"frame": frameDataURL(t)})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, msgModelMissing, decodeMap(t, body)["error"])
}

func TestAnnotateFrame(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.postJSON(t, "/annotate_frame", map[string]any{"frame": frameDataURL(t)})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out struct {
		Image      string                `json:"image"`
		Detections []types.WireDetection `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Detections, 1)

	img, err := annotate.DecodeDataURL(out.Image)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 32, 24), img.Bounds())
}

func TestClasses(t *testing.T) {
	f := newFixture(t, true)

	_, body := f.do(t, http.MethodGet, "/api/classes", "", nil)
	var list struct {
		Classes []classJSON `json:"classes"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Classes, 15)
	require.Equal(t, classJSON{ID: 4, Name: "gbottle", DisplayName: "Glass Bottle", Color: "#ffffff"}, list.Classes[4])

	resp, body := f.postJSON(t, "/api/classes/reload", map[string]any{
		"labels": map[string]string{"0": "bottle", "1": "plastic_bag"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var reloaded struct {
		Applied bool        `json:"applied"`
		Classes []classJSON `json:"classes"`
	}
	require.NoError(t, json.Unmarshal(body, &reloaded))
	require.True(t, reloaded.Applied)
	require.Len(t, reloaded.Classes, 2)
	require.Equal(t, "bottle", reloaded.Classes[0].Name)

	// The fake model has no labels of its own.
	resp, body = f.do(t, http.MethodPost, "/api/classes/reload", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &reloaded))
	require.False(t, reloaded.Applied)
	require.Len(t, reloaded.Classes, 2)

	resp, _ = f.do(t, http.MethodPost, "/api/classes/reload", "application/json", strings.NewReader("[1,2"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobsLifecycle(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.upload(t, "/api/jobs", "dive.mov", map[string]string{"frame_skip": "4"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	accepted := decodeMap(t, body)
	id, _ := accepted["job_id"].(string)
	require.NotEmpty(t, id)
	require.Equal(t, "/api/jobs/"+id+"/events", accepted["events_url"])

	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/api/jobs/"+id, "", nil)
		return decodeMap(t, body)["state"] == "done"
	}, 5*time.Second, 10*time.Millisecond)

	resp, body = f.do(t, http.MethodGet, "/api/jobs/"+id+"/result", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res runResult
	require.NoError(t, json.Unmarshal(body, &res))
	require.Equal(t, 3, res.ProcessedFrames)
	require.NotEmpty(t, res.SessionID)

	resp, body = f.do(t, http.MethodGet, "/api/jobs/"+id+"/events", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.True(t, strings.HasPrefix(string(body), "event: done\ndata: {"), string(body))
	require.Contains(t, string(body), `"session_id":"`+res.SessionID+`"`)

	_, body = f.do(t, http.MethodGet, "/api/jobs", "", nil)
	var list struct {
		Jobs []pipeline.JobStatus `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Jobs, 1)
	require.Equal(t, id, list.Jobs[0].ID)
	require.Equal(t, "dive.mov", list.Jobs[0].Name)

	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestJobsUnknown(t *testing.T) {
	f := newFixture(t, true)
	for _, path := range []string{"/api/jobs/nope", "/api/jobs/nope/result", "/api/jobs/nope/events", "/api/jobs/nope/preview"} {
		resp, _ := f.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestJobRoutesDisabledWithoutPool(t *testing.T) {
	f := newFixture(t, true)
	srv := NewServer(f.cfg, Deps{Runner: pipeline.NewRunner(pipeline.Deps{
		Codec:     codectest.New(),
		Annotator: annotate.New(classes.NewRegistry()),
		Models:    f.holder,
		Store:     f.store,
	})})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/jobs")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLiveOffer(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.do(t, http.MethodPost, "/api/live/offer", "application/json", strings.NewReader(`{"type":"offer"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"type":"answer","sdp":"v=0"}`, string(body))

	f.offers.err = fmt.Errorf("%w (4)", live.ErrTooManyPeers)
	resp, _ = f.do(t, http.MethodPost, "/api/live/offer", "application/json", strings.NewReader(`{}`))
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.offers.err = errors.New("invalid offer")
	resp, body = f.do(t, http.MethodPost, "/api/live/offer", "application/json", strings.NewReader(`{}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid offer", decodeMap(t, body)["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true)
	f.uploadClip(t)

	resp, body := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "trash_frames_decoded_total 12")
	require.Contains(t, string(body), "trash_sessions_active 1")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrSessionNotFound, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", annotate.ErrDecode), http.StatusBadRequest},
		{pipeline.ErrInvalidOptions, http.StatusBadRequest},
		{pipeline.ErrJobNotFound, http.StatusNotFound},
		{pipeline.ErrQueueFull, http.StatusServiceUnavailable},
		{pipeline.ErrJobsClosed, http.StatusServiceUnavailable},
		{codec.ErrSinkUnwritable, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
	require.Contains(t, messageFor(fmt.Errorf("%w: no encoder", codec.ErrSinkUnwritable)), msgWriterFailed)
}
