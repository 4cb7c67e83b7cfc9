package webserver

import (
	"errors"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dj-oyu/underwater-trash-detector/internal/pipeline"
)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	up, err := s.receiveUpload(w, r)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}

	id, err := s.jobs.Submit(pipeline.Source{Path: up.path, Name: up.name, Temporary: true}, up.opts)
	if err != nil {
		os.Remove(up.path)
		writeError(w, "Jobs", err)
		return
	}
	writeJSONWithStatus(w, map[string]any{
		"job_id":     id,
		"status_url": "/api/jobs/" + id,
		"events_url": "/api/jobs/" + id + "/events",
	}, http.StatusAccepted)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.List()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	writeJSON(w, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobs.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Jobs", err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.jobs.Result(chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, res)
	case errors.Is(err, pipeline.ErrJobNotDone):
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusConflict)
	case errors.Is(err, pipeline.ErrJobNotFound):
		writeError(w, "Jobs", err)
	default:
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusUnprocessableEntity)
	}
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, unsubscribe, err := s.jobs.Subscribe(id)
	if err != nil {
		writeError(w, "Jobs", err)
		return
	}
	defer unsubscribe()

	current, err := s.jobs.StatusEvent(id)
	if err != nil {
		writeError(w, "Jobs", err)
		return
	}

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamEventsFromChannel(w, r, current, events, useProtobuf)
}

func (s *Server) handleJobPreview(w http.ResponseWriter, r *http.Request) {
	frames, unsubscribe, err := s.jobs.SubscribeFrames(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Jobs", err)
		return
	}
	defer unsubscribe()
	streamMJPEGFromChannel(w, r, frames)
}
