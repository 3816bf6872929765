package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/bobarin/reelcomposer/internal/models"
	"github.com/bobarin/reelcomposer/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"
)

// maxTimelineBytes bounds a submitted timeline body.
const maxTimelineBytes = 10 << 20

// Jobs is the slice of the orchestrator the HTTP layer needs.
type Jobs interface {
	Submit(ctx context.Context, tl models.Timeline) (uuid.UUID, error)
	Poll(id uuid.UUID) (models.RenderJob, error)
	Fetch(id uuid.UUID) (string, error)
	Delete(id uuid.UUID) error
}

type Handler struct {
	jobs Jobs
}

func NewHandler(jobs Jobs) *Handler {
	return &Handler{jobs: jobs}
}

// SubmitRender handles POST /v1/renders
func (h *Handler) SubmitRender(w http.ResponseWriter, r *http.Request) {
	var tl models.Timeline
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTimelineBytes)).Decode(&tl); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := h.jobs.Submit(r.Context(), tl)
	switch {
	case errors.Is(err, worker.ErrInvalidTimeline):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, worker.ErrShuttingDown):
		respondError(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("submit failed")
		respondError(w, http.StatusInternalServerError, "Failed to submit job")
		return
	}

	respondJSON(w, http.StatusAccepted, models.SubmitResponse{
		JobID:  id,
		Status: models.JobStatusProcessing,
	})
}

// GetRender handles GET /v1/renders/{id}
func (h *Handler) GetRender(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Poll(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}

	respondJSON(w, http.StatusOK, models.NewJobResponse(job))
}

// GetRenderOutput handles GET /v1/renders/{id}/output
func (h *Handler) GetRenderOutput(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	path, err := h.jobs.Fetch(id)
	switch {
	case errors.Is(err, worker.ErrJobNotFound):
		respondError(w, http.StatusNotFound, "Job not found")
		return
	case errors.Is(err, worker.ErrJobNotReady):
		respondError(w, http.StatusConflict, "Job is still processing")
		return
	case errors.Is(err, worker.ErrJobGone):
		respondError(w, http.StatusGone, "Job output is no longer available")
		return
	case errors.Is(err, worker.ErrJobFailed):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "Failed to fetch output")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		// Evicted between Fetch and Open
		respondError(w, http.StatusGone, "Job output is no longer available")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read output")
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id.String()+`.mp4"`)
	http.ServeContent(w, r, "", info.ModTime(), f)
}

// DeleteRender handles DELETE /v1/renders/{id}
func (h *Handler) DeleteRender(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	if err := h.jobs.Delete(id); err != nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return uuid.Nil, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
