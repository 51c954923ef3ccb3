package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/usecase"
)

// Server aggregates the dependencies every REST handler needs.
type Server struct {
	Cfg      config.Config
	Users    domain.UserRepository
	Tasks    usecase.TaskService
	Review   usecase.ReviewService
	Sessions *SessionManager
	DBCheck  func(ctx context.Context) error
	Hub      *StreamHandler
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, users domain.UserRepository, tasks usecase.TaskService, review usecase.ReviewService, sessions *SessionManager, hub *StreamHandler, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Users: users, Tasks: tasks, Review: review, Sessions: sessions, Hub: hub, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrValidation), verrs)
		return false
	}
	return true
}

// LoginHandler handles POST /v1/auth/login, exchanging a username and
// password for the bearer token every other /v1/* route requires. There
// is no refresh-token/session-table machinery: tokens are short-lived
// and re-issued by calling this endpoint again.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username" validate:"required"`
			Password string `json:"password" validate:"required"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		u, err := s.Users.GetByUsername(r.Context(), req.Username)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.Login: %w", domain.ErrAuthentication), nil)
			return
		}
		if !VerifyPassword(req.Password, u.PasswordHash) {
			writeError(w, r, fmt.Errorf("op=httpserver.Login: %w", domain.ErrAuthentication), nil)
			return
		}
		token, err := s.Sessions.GenerateJWT(u.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

// EnqueueTaskHandler handles POST /v1/tasks.
func (s *Server) EnqueueTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PlatformConnectionID string `json:"platform_connection_id" validate:"required"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		userID := UserIDFromContext(r.Context())
		taskID, err := s.Tasks.Enqueue(r.Context(), userID, req.PlatformConnectionID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": string(domain.RunQueued)})
	}
}

// TaskStatusHandler handles GET /v1/tasks/{id}.
func (s *Server) TaskStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		userID := UserIDFromContext(r.Context())
		run, err := s.Tasks.Status(r.Context(), userID, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, taskStatusResponse(run))
	}
}

// CancelTaskHandler handles POST /v1/tasks/{id}/cancel.
func (s *Server) CancelTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		userID := UserIDFromContext(r.Context())
		if err := s.Tasks.Cancel(r.Context(), userID, id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": string(domain.RunCancelled)})
	}
}

// TaskResultsHandler handles GET /v1/tasks/{id}/results.
func (s *Server) TaskResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		userID := UserIDFromContext(r.Context())
		run, results, err := s.Tasks.Results(r.Context(), userID, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task":   taskStatusResponse(run),
			"images": results,
		})
	}
}

func taskStatusResponse(run domain.ProcessingRun) map[string]any {
	m := map[string]any{
		"task_id":          run.ID,
		"status":           string(run.Status),
		"posts_processed":  run.PostsProcessed,
		"images_processed": run.ImagesProcessed,
		"images_captioned": run.ImagesCaptioned,
	}
	if run.ErrorMessage != "" {
		m["error_message"] = run.ErrorMessage
	}
	return m
}

// ReviewImageHandler handles POST /v1/images/{id}/review.
func (s *Server) ReviewImageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Approved        bool   `json:"approved"`
			ReviewedCaption string `json:"reviewed_caption" validate:"omitempty,max=2000"`
			Notes           string `json:"notes" validate:"omitempty,max=2000"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		imageID := chi.URLParam(r, "id")
		userID := UserIDFromContext(r.Context())
		err := s.Review.Review(r.Context(), userID, imageID, usecase.ReviewDecision{
			Approved:        req.Approved,
			ReviewedCaption: req.ReviewedCaption,
			Notes:           req.Notes,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"image_id": imageID})
	}
}

// BulkReviewHandler handles POST /v1/batches/{batch_id}/review.
func (s *Server) BulkReviewHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Approved        bool   `json:"approved"`
			ReviewedCaption string `json:"reviewed_caption" validate:"omitempty,max=2000"`
			Notes           string `json:"notes" validate:"omitempty,max=2000"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		batchID := chi.URLParam(r, "batch_id")
		userID := UserIDFromContext(r.Context())
		results, err := s.Review.BulkReview(r.Context(), userID, batchID, usecase.ReviewDecision{
			Approved:        req.Approved,
			ReviewedCaption: req.ReviewedCaption,
			Notes:           req.Notes,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(results))
		for _, res := range results {
			item := map[string]any{"image_id": res.ImageID}
			if res.Error != nil {
				item["error"] = res.Error.Error()
			}
			out = append(out, item)
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": out})
	}
}

// ReadyzHandler probes the database and reports readiness.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		c := check{Name: "db", OK: true}
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				c.OK = false
				c.Details = err.Error()
			}
		}
		status := http.StatusOK
		if !c.OK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": []check{c}})
	}
}

// HealthzHandler is the liveness probe: no dependency checks, just
// confirms the process is serving requests.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
