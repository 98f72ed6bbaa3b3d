package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/gateway"
	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

// Config configures the HTTP handler.
type Config struct {
	// Token, when set, is required as a bearer token on /api/v1 routes.
	Token string

	// RequestTimeout bounds each request.
	RequestTimeout time.Duration
}

// Handler serves the backing API.
type Handler struct {
	repo   Repository
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewHandler creates a handler over repo. logger may be nil.
func NewHandler(repo Repository, config Config, logger *zap.Logger) *Handler {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, config: config, logger: logger.Named("api"), now: time.Now}
}

type listResponse struct {
	Beneficiaries []schema.Beneficiary `json:"beneficiaries"`
	Count         int                  `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Routes returns the router with /health and the /api/v1 routes.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	r.Use(middleware.Timeout(h.config.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1/beneficiaries", func(r chi.Router) {
		r.Use(h.requireToken)
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Patch("/", h.handleUpdate)
			r.Post("/screenings", h.handleScreening)
			r.Post("/interventions", h.handleIntervention)
			r.Post("/followups", h.handleFollowUp)
		})
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := h.now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *Handler) requireToken(next http.Handler) http.Handler {
	if h.config.Token == "" {
		return next
	}
	want := []byte("Bearer " + h.config.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var b schema.Beneficiary
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if b.UniqueID == "" {
		writeError(w, http.StatusBadRequest, "unique_id is required")
		return
	}
	if b.ShortID == "" {
		b.ShortID = schema.ShortID(b.UniqueID)
	}
	if b.Status == "" {
		b.Status = schema.StatusActive
	}
	if err := b.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, created, err := h.repo.CreateBeneficiary(r.Context(), b)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var patch schema.BeneficiaryPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if patch.IsEmpty() {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	out, err := h.repo.UpdateBeneficiary(r.Context(), id, patch)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := gateway.Filters{
		Query:    q.Get("q"),
		Category: q.Get("category"),
	}
	if raw := q.Get("due_before"); raw != "" {
		due, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "due_before must be RFC3339")
			return
		}
		filters.FollowUpDueBefore = &due
	}

	list, err := h.repo.ListBeneficiaries(r.Context(), filters)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}
	if !strings.Contains(q.Get("with"), "latest_screening") {
		for i := range list {
			list[i].LatestScreening = nil
		}
	}
	writeJSON(w, http.StatusOK, listResponse{Beneficiaries: list, Count: len(list)})
}

func (h *Handler) handleScreening(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var s schema.Screening
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.BeneficiaryID = &id
	if s.CreatedAt.IsZero() {
		s.CreatedAt = h.now().UTC()
	}
	if err := s.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.repo.AddScreening(r.Context(), id, s)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) handleIntervention(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var iv schema.Intervention
	if err := json.NewDecoder(r.Body).Decode(&iv); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	iv.BeneficiaryID = &id
	if iv.CreatedAt.IsZero() {
		iv.CreatedAt = h.now().UTC()
	}
	if err := iv.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.repo.AddIntervention(r.Context(), id, iv)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) handleFollowUp(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var f schema.FollowUp
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	f.BeneficiaryID = &id
	if f.CreatedAt.IsZero() {
		f.CreatedAt = h.now().UTC()
	}
	if err := f.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.repo.AddFollowUp(r.Context(), id, f)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid beneficiary id")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeRepoError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("repository error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
