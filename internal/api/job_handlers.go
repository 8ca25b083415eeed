package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pagesmith/crawler/internal/crawler"
)

type jobRequest struct {
	Name   string            `json:"name"`
	Config crawler.JobConfig `json:"config"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing job name")
		return
	}
	job, err := s.manager.CreateJob(r.Context(), req.Name, req.Config)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.manager.ListJobs(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.manager.UpdateJobConfig(r.Context(), chi.URLParam(r, "job_id"), req.Config)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteJob(r.Context(), chi.URLParam(r, "job_id")); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.StartJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.PauseJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.ResumeJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.CancelJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.manager.JobStatus(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.manager.ListPages(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.manager.ListRuns(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// writeManagerError maps manager errors onto HTTP status codes: missing
// records are 404, state machine violations are 409, bad input is 400.
func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, crawler.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, crawler.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
