package questions

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/opos-prep/backend/internal/content"
	"github.com/opos-prep/backend/internal/generator"
	"github.com/opos-prep/backend/internal/logger"
	"github.com/opos-prep/backend/internal/middleware"
	"github.com/opos-prep/backend/internal/models"
)

type Handler struct {
	service *Service
	log     *logger.Logger
}

func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// Register mounts the question routes. api is the /api/v1 subrouter.
func (h *Handler) Register(api *mux.Router, auth, admin mux.MiddlewareFunc) {
	api.HandleFunc("/topics", h.ListTopics).Methods("GET")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(auth)
	protected.HandleFunc("/exams", h.CreateExam).Methods("POST")
	protected.HandleFunc("/exams/official", h.CreateOfficialExam).Methods("POST")
	protected.HandleFunc("/study/question", h.StudyQuestion).Methods("POST")
	protected.HandleFunc("/study/prewarm", h.Prewarm).Methods("POST")

	adminRoutes := api.PathPrefix("/admin").Subrouter()
	adminRoutes.Use(admin)
	adminRoutes.HandleFunc("/cache/stats", h.CacheStats).Methods("GET")
	adminRoutes.HandleFunc("/cache/populate", h.PopulateCache).Methods("POST")
}

func (h *Handler) ListTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Topics())
}

func (h *Handler) CreateExam(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
		return
	}
	var req models.ExamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	resp, err := h.service.GetExamBatch(r.Context(), userID, req.Topics, req.QuestionCount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CreateOfficialExam(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
		return
	}
	var req models.OfficialExamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	resp, err := h.service.GetOfficialExam(r.Context(), userID, req.QuestionCount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) StudyQuestion(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
		return
	}
	var req models.StudyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TopicID == "" {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "topic_id is required"})
		return
	}

	resp, err := h.service.GetStudyQuestion(r.Context(), userID, req.TopicID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Prewarm(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
		return
	}
	var req models.StudyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TopicID == "" {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "topic_id is required"})
		return
	}

	resp, err := h.service.Prewarm(r.Context(), userID, req.TopicID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// ── Admin ───────────────────────────────────────────────

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.CacheStats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) PopulateCache(w http.ResponseWriter, r *http.Request) {
	var req models.PopulateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
			return
		}
	}

	started, err := h.service.StartPopulate(req.TopicID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"started": started, "topic_id": req.TopicID})
}

// ── Errors ──────────────────────────────────────────────

// errorStatus maps a service error onto an HTTP status and response body.
func errorStatus(err error) (int, models.ErrorResponse) {
	var se *generator.ServiceError
	var short *InsufficientSupplyError

	switch {
	case errors.Is(err, ErrInvalidCount), errors.Is(err, ErrNoTopics), errors.Is(err, content.ErrUnknownTopic):
		return http.StatusBadRequest, models.ErrorResponse{Error: err.Error()}
	case errors.Is(err, content.ErrNoContent):
		return http.StatusNotFound, models.ErrorResponse{Error: err.Error(), Action: "check_documents"}
	case errors.As(err, &short):
		generated, requested := short.Generated, short.Requested
		return http.StatusInternalServerError, models.ErrorResponse{
			Error:     "Not enough questions could be produced",
			Action:    "retry",
			Retryable: true,
			WaitMs:    5000,
			Generated: &generated,
			Requested: &requested,
		}
	case errors.As(err, &se):
		return serviceErrorStatus(se)
	}
	return http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error", Retryable: true, WaitMs: 5000}
}

func serviceErrorStatus(se *generator.ServiceError) (int, models.ErrorResponse) {
	status, msg, wait := http.StatusInternalServerError, "Generation service error", 5*time.Second
	switch se.Kind {
	case generator.KindRateLimited:
		status, msg, wait = http.StatusTooManyRequests, "Generation service rate limit reached", 30*time.Second
	case generator.KindOverloaded:
		status, msg, wait = 529, "Generation service overloaded", 10*time.Second
	case generator.KindTimeout:
		status, msg, wait = http.StatusServiceUnavailable, "Generation service timed out", 5*time.Second
	}
	if se.RetryAfter > 0 {
		wait = se.RetryAfter
	}
	return status, models.ErrorResponse{
		Error:     msg,
		Action:    "retry",
		Retryable: se.Retryable(),
		WaitMs:    wait.Milliseconds(),
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, body := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
