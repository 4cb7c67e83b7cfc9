package webserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dj-oyu/underwater-trash-detector/internal/annotate"
	"github.com/dj-oyu/underwater-trash-detector/internal/live"
	"github.com/dj-oyu/underwater-trash-detector/internal/logger"
	"github.com/dj-oyu/underwater-trash-detector/internal/pipeline"
	"github.com/dj-oyu/underwater-trash-detector/pkg/types"
)

// multipartMemory is the part of an upload kept in memory; the rest spills
// to temporary files.
const multipartMemory = 32 << 20

// errBadRequest marks client mistakes that are not pipeline errors.
var errBadRequest = errors.New("bad request")

type upload struct {
	path string
	name string
	opts pipeline.RunOptions
}

// receiveUpload stores the "video" part in the upload directory and parses
// the detection parameters. The caller owns the returned file.
func (s *Server) receiveUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes())
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: file larger than %d MB", errBadRequest, s.cfg.Server.MaxUploadMB)
		}
		return nil, fmt.Errorf("%w: No video file provided", errBadRequest)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("video")
	if err != nil {
		return nil, fmt.Errorf("%w: No video file provided", errBadRequest)
	}
	defer file.Close()

	if header.Filename == "" {
		return nil, fmt.Errorf("%w: No video file selected", errBadRequest)
	}
	if !s.cfg.Server.AllowedExtension(header.Filename) {
		return nil, fmt.Errorf("%w: Unsupported file format. Please use: %s",
			errBadRequest, strings.Join(s.cfg.Server.AllowedExtensions, ", "))
	}

	opts, err := s.formOptions(r.FormValue)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	dst, err := os.CreateTemp(s.cfg.Server.UploadDir, "upload-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return nil, fmt.Errorf("save upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return nil, fmt.Errorf("save upload: %w", err)
	}

	logger.Debug("Upload", "Saved %s (%d bytes) to %s", header.Filename, header.Size, dst.Name())
	return &upload{path: dst.Name(), name: filepath.Base(header.Filename), opts: opts}, nil
}

// formOptions reads frame_skip, confidence_threshold and max_detections,
// falling back to the configured defaults.
func (s *Server) formOptions(get func(string) string) (pipeline.RunOptions, error) {
	d := s.cfg.Defaults
	opts := pipeline.RunOptions{FrameSkip: d.FrameSkip, Threshold: d.Threshold, MaxDetections: d.MaxDetections}

	if v := get("frame_skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("%w: frame_skip must be an integer", pipeline.ErrInvalidOptions)
		}
		opts.FrameSkip = n
	}
	if v := get("confidence_threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, fmt.Errorf("%w: confidence_threshold must be a number", pipeline.ErrInvalidOptions)
		}
		opts.Threshold = f
	}
	if v := get("max_detections"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("%w: max_detections must be an integer", pipeline.ErrInvalidOptions)
		}
		opts.MaxDetections = n
	}
	return opts, opts.Validate()
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBadRequest) {
		msg := strings.TrimPrefix(err.Error(), errBadRequest.Error()+": ")
		writeJSONWithStatus(w, map[string]any{"error": msg}, http.StatusBadRequest)
		return
	}
	writeError(w, "Upload", err)
}

func (s *Server) handleUploadVideo(w http.ResponseWriter, r *http.Request) {
	if s.runner.Models().Model() == nil {
		writeJSONWithStatus(w, map[string]any{"error": msgModelMissing}, http.StatusInternalServerError)
		return
	}

	up, err := s.receiveUpload(w, r)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}
	defer os.Remove(up.path)

	logger.Info("Upload", "Processing %s (skip=%d, threshold=%.2f, max=%d)",
		up.name, up.opts.FrameSkip, up.opts.Threshold, up.opts.MaxDetections)
	res, err := s.runner.ProcessVideo(r.Context(), up.path, up.opts, nil)
	if err != nil {
		writeError(w, "Upload", err)
		return
	}
	writeJSON(w, res)
}

type recreateRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleRecreateVideo(w http.ResponseWriter, r *http.Request) {
	var req recreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeJSONWithStatus(w, map[string]any{"error": msgSessionNotFound}, http.StatusBadRequest)
		return
	}

	exp, err := s.runner.ExportSession(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, "Export", err)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pipeline.ExportFilename))
	w.Header().Set("Content-Length", strconv.Itoa(len(exp.Video)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(exp.Video)
}

type frameRequest struct {
	Frame               string   `json:"frame"`
	ConfidenceThreshold *float64 `json:"confidence_threshold"`
	MaxDetections       *int     `json:"max_detections"`
}

func (s *Server) decodeFrameRequest(r *http.Request) (frameRequest, annotate.Options, error) {
	var req frameRequest
	opts := annotate.Options{Threshold: s.cfg.Defaults.Threshold, MaxDetections: s.cfg.Defaults.MaxDetections}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, opts, fmt.Errorf("%w: invalid JSON body: %v", annotate.ErrDecode, err)
	}
	if req.Frame == "" {
		return req, opts, fmt.Errorf("%w: missing frame", annotate.ErrDecode)
	}
	if req.ConfidenceThreshold != nil {
		opts.Threshold = *req.ConfidenceThreshold
	}
	if req.MaxDetections != nil {
		opts.MaxDetections = *req.MaxDetections
	}
	return req, opts, nil
}

func (s *Server) handleProcessFrame(w http.ResponseWriter, r *http.Request) {
	req, opts, err := s.decodeFrameRequest(r)
	if err != nil {
		writeError(w, "Frame", err)
		return
	}
	img, err := annotate.DecodeDataURL(req.Frame)
	if err != nil {
		writeError(w, "Frame", err)
		return
	}

	start := time.Now()
	dets, err := s.runner.Annotator().Detect(r.Context(), img, s.runner.Models().Model(), opts)
	s.metrics.ObserveInference(time.Since(start), err)
	if err != nil {
		writeError(w, "Frame", err)
		return
	}
	writeJSON(w, map[string]any{"detections": types.ToWire(dets)})
}

func (s *Server) handleAnnotateFrame(w http.ResponseWriter, r *http.Request) {
	req, opts, err := s.decodeFrameRequest(r)
	if err != nil {
		writeError(w, "Frame", err)
		return
	}
	img, err := annotate.DecodeDataURL(req.Frame)
	if err != nil {
		writeError(w, "Frame", err)
		return
	}

	start := time.Now()
	out, dets, err := s.runner.Annotator().Annotate(r.Context(), img, s.runner.Models().Model(), opts)
	s.metrics.ObserveInference(time.Since(start), err)
	if err != nil {
		writeError(w, "Frame", err)
		return
	}
	encoded, err := annotate.EncodeBase64JPEG(out, annotate.DefaultJPEGQuality)
	if err != nil {
		writeError(w, "Frame", err)
		return
	}
	writeJSON(w, map[string]any{
		"image":      encoded,
		"detections": types.ToWire(dets),
	})
}

type classJSON struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

func (s *Server) classList() []classJSON {
	snapshot := s.runner.Annotator().Registry().Snapshot()
	out := make([]classJSON, len(snapshot))
	for i, c := range snapshot {
		out[i] = classJSON{ID: c.ID, Name: c.ShortName, DisplayName: c.DisplayName, Color: c.Hex()}
	}
	return out
}

func (s *Server) handleClasses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"classes": s.classList()})
}

type reloadRequest struct {
	Labels map[int]string `json:"labels"`
}

func (s *Server) handleReloadClasses(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONWithStatus(w, map[string]any{"error": "invalid labels: " + err.Error()}, http.StatusBadRequest)
		return
	}
	applied, err := s.runner.ReloadClasses(r.Context(), req.Labels)
	if err != nil {
		writeError(w, "Classes", err)
		return
	}
	writeJSON(w, map[string]any{"applied": applied, "classes": s.classList()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.runner.Store().Peek(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": msgSessionNotFound}, http.StatusNotFound)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleLiveOffer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}
	answer, err := s.live.HandleOffer(body)
	if err != nil {
		logger.Warn("Live", "Offer rejected: %v", err)
		status := http.StatusBadRequest
		if errors.Is(err, live.ErrTooManyPeers) {
			status = http.StatusServiceUnavailable
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}
