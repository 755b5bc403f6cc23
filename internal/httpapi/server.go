package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/example/whisperd/internal/blob"
	"github.com/example/whisperd/internal/model"
)

// JobService is the orchestration surface the handlers drive.
type JobService interface {
	Submit(inputPath, modelName string) model.Job
	Status(id string) (model.Job, bool)
	RequestCancel(id string) (model.JobStatus, bool, error)
}

// ModelService exposes the shared model slot.
type ModelService interface {
	Unload() bool
	Status() model.ModelStatus
}

// TranscriptReader serves archived transcripts.
type TranscriptReader interface {
	GetTranscript(ctx context.Context, id string) (model.ArchivedTranscript, error)
	ListTranscripts(ctx context.Context, limit int) ([]model.ArchivedTranscript, error)
}

type Server struct {
	Blobs        blob.LocalFS
	Jobs         JobService
	Models       ModelService
	Transcripts  TranscriptReader // optional
	DefaultModel string
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/", s.handleRoot)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
	})

	r.Post("/transcribe", s.handleTranscribe)
	r.Get("/status/{id}", s.handleStatus)
	r.Post("/cancel/{id}", s.handleCancel)
	r.Post("/model/unload", s.handleModelUnload)
	r.Get("/model/status", s.handleModelStatus)
	r.Get("/transcripts", s.handleListTranscripts)
	r.Get("/transcripts/{id}", s.handleGetTranscript)

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "whisperd",
		"endpoints": []string{
			"POST /transcribe",
			"GET /status/{id}",
			"POST /cancel/{id}",
			"POST /model/unload",
			"GET /model/status",
			"GET /transcripts",
			"GET /transcripts/{id}",
			"GET /health",
		},
	})
}

func (s Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(500 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing 'file' upload: %w", err))
		return
	}
	defer file.Close()

	if header.Size == 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("empty 'file' upload"))
		return
	}

	modelName := strings.TrimSpace(r.FormValue("model_name"))
	if modelName == "" {
		modelName = s.DefaultModel
	}

	id := uuid.NewString()
	inputPath, err := s.Blobs.Stage(id, header.Filename, file)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("stage upload: %w", err))
		return
	}

	job := s.Jobs.Submit(inputPath, modelName)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":  job.ID,
		"message": "Transcription job started",
	})
}

func (s Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.Jobs.Status(id)
	if !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("job not found: %s", id))
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

func (s Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, accepted, err := s.Jobs.RequestCancel(id)
	if err != nil {
		writeErr(w, http.StatusNotFound, fmt.Errorf("job not found: %s", id))
		return
	}
	if !accepted {
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":  id,
			"status":  status,
			"message": fmt.Sprintf("Job already %s", status),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":  id,
		"status":  status,
		"message": "Cancellation requested",
	})
}

func (s Server) handleModelUnload(w http.ResponseWriter, _ *http.Request) {
	if s.Models.Unload() {
		writeJSON(w, http.StatusOK, map[string]any{"message": "Model unloaded"})
		return
	}
	// Busy or already empty; report which.
	status := s.Models.Status()
	if status.Loaded {
		writeErr(w, http.StatusConflict, fmt.Errorf("model is in use"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "No model loaded"})
}

func (s Server) handleModelStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.Models.Status()
	resp := map[string]any{
		"loaded":               status.Loaded,
		"model_name":           status.ModelName,
		"device":               status.Device,
		"idle_timeout_seconds": status.IdleTimeoutSeconds,
	}
	if status.MemoryUsedMB != nil {
		resp["memory_used_mb"] = *status.MemoryUsedMB
	}
	if status.LastUsedAt != nil {
		resp["last_used_at"] = *status.LastUsedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.Transcripts == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("transcript archive is not configured"))
		return
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		if value > 100 {
			value = 100
		}
		limit = value
	}

	records, err := s.Transcripts.ListTranscripts(r.Context(), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	resp := make([]map[string]any, 0, len(records))
	for _, t := range records {
		resp = append(resp, map[string]any{
			"id":               t.ID,
			"model":            t.Model,
			"language":         t.Language,
			"duration_seconds": t.DurationSeconds,
			"created_at":       t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	if s.Transcripts == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("transcript archive is not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	t, err := s.Transcripts.GetTranscript(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeErr(w, http.StatusNotFound, fmt.Errorf("transcript not found: %s", id))
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	var segments json.RawMessage
	if t.SegmentsJSON != "" {
		segments = json.RawMessage(t.SegmentsJSON)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":               t.ID,
		"model":            t.Model,
		"language":         t.Language,
		"duration_seconds": t.DurationSeconds,
		"text":             t.Text,
		"segments":         segments,
		"created_at":       t.CreatedAt,
	})
}

func jobResponse(job model.Job) map[string]any {
	resp := map[string]any{
		"job_id":     job.ID,
		"model":      job.Model,
		"status":     job.Status,
		"progress":   job.Progress,
		"message":    job.Message,
		"created_at": job.CreatedAt,
	}
	if job.Duration != nil {
		resp["duration"] = *job.Duration
	}
	if job.StartedAt != nil {
		resp["started_at"] = *job.StartedAt
	}
	if job.EndedAt != nil {
		resp["ended_at"] = *job.EndedAt
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	if job.Result != nil {
		resp["result"] = map[string]any{
			"text":     job.Result.Text,
			"segments": job.Result.Segments,
			"language": job.Result.Language,
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
