package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/qlido/BSM-Backend-V2/internal/domain"
	"github.com/qlido/BSM-Backend-V2/internal/websocket"
)

// StatusService is the sync engine surface the handler needs.
type StatusService interface {
	GetCached(ctx context.Context, student domain.Student) (domain.Status, error)
	Refresh(ctx context.Context, student domain.Student, password string) (domain.Status, error)
	Detail(ctx context.Context, viewer domain.Student, grade, classNo, studentNo int, password string) (domain.Status, error)
}

// RankingProvider is the ranking surface the handler needs.
type RankingProvider interface {
	UpdatePrivacy(ctx context.Context, viewer domain.Student, private bool) error
	GetRanking(ctx context.Context, viewer domain.Student) ([]domain.RankingEntry, error)
	TopScores(ctx context.Context, n int) ([]domain.CachedScore, error)
}

// AuthFunc resolves the authenticated student from a request. Session
// management for the service's own users lives in the auth subsystem; the
// handler only consumes its result.
type AuthFunc func(r *http.Request) (domain.Student, error)

// Handler provides HTTP handlers for the meister API
type Handler struct {
	status  StatusService
	ranking RankingProvider
	hub     *websocket.Hub
	auth    AuthFunc
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(status StatusService, ranking RankingProvider, hub *websocket.Hub, auth AuthFunc, logger *slog.Logger) *Handler {
	return &Handler{
		status:  status,
		ranking: ranking,
		hub:     hub,
		auth:    auth,
		logger:  logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/meister", func(r chi.Router) {
		r.Get("/", h.GetOwnStatus)
		r.Post("/update", h.RefreshOwnStatus)
		r.Post("/detail", h.GetDetail)

		r.Route("/ranking", func(r chi.Router) {
			r.Get("/", h.GetRanking)
			r.Get("/top", h.GetTopScores)
			r.Put("/privacy", h.SetPrivacy)
		})
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HealthCheck reports process liveness
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ok"})
}

// ReadyCheck reports readiness to serve
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetOwnStatus returns the viewer's cached status, refreshing when stale
func (h *Handler) GetOwnStatus(w http.ResponseWriter, r *http.Request) {
	viewer, err := h.auth(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err)
		return
	}

	status, err := h.status.GetCached(r.Context(), viewer)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSuccess(w, status)
}

// RefreshOwnStatus forces a portal refresh for the viewer
func (h *Handler) RefreshOwnStatus(w http.ResponseWriter, r *http.Request) {
	viewer, err := h.auth(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err)
		return
	}

	status, err := h.status.Refresh(r.Context(), viewer, "")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSuccess(w, status)
}

// DetailRequest addresses a student by class position; the password is
// optional and defaults to the target's own identifier.
type DetailRequest struct {
	Grade     int    `json:"grade"`
	ClassNo   int    `json:"class_no"`
	StudentNo int    `json:"student_no"`
	Password  string `json:"pw"`
}

// GetDetail returns another student's freshly synced status
func (h *Handler) GetDetail(w http.ResponseWriter, r *http.Request) {
	viewer, err := h.auth(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err)
		return
	}

	var req DetailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	status, err := h.status.Detail(r.Context(), viewer, req.Grade, req.ClassNo, req.StudentNo, req.Password)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSuccess(w, status)
}

// PrivacyRequest toggles the viewer's ranking privacy
type PrivacyRequest struct {
	Private bool `json:"private"`
}

// SetPrivacy toggles whether the viewer appears on the shared ranking
func (h *Handler) SetPrivacy(w http.ResponseWriter, r *http.Request) {
	viewer, err := h.auth(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err)
		return
	}

	var req PrivacyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.ranking.UpdatePrivacy(r.Context(), viewer, req.Private); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSuccess(w, nil)
}

// GetRanking returns the full leaderboard for the viewer
func (h *Handler) GetRanking(w http.ResponseWriter, r *http.Request) {
	viewer, err := h.auth(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err)
		return
	}

	entries, err := h.ranking.GetRanking(r.Context(), viewer)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSuccess(w, entries)
}

// GetTopScores returns the highest cached scores
func (h *Handler) GetTopScores(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = n
	}

	scores, err := h.ranking.TopScores(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeSuccess(w, scores)
}

// writeDomainError maps domain errors onto HTTP status codes
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var rateErr *domain.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		h.writeJSON(w, http.StatusTooManyRequests, APIResponse{
			Success: false,
			Error:   rateErr.Error(),
			Data: map[string]int64{
				"retry_after_seconds": int64(rateErr.RetryAfter.Seconds()),
			},
		})
	case errors.Is(err, domain.ErrCredentialRejected):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrPermissionDenied):
		h.writeError(w, http.StatusForbidden, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsTransportError(err), domain.IsParseError(err):
		h.writeError(w, http.StatusBadGateway, err)
	default:
		h.logger.Error("internal error", "error", err)
		h.writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}
