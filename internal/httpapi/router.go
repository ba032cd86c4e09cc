package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"castbot/internal/broadcast"
	logx "castbot/pkg/logx"
)

// Jobs is the part of the broadcast service the API reads and cancels.
type Jobs interface {
	Lookup(ctx context.Context, id string) (broadcast.Job, error)
	History(ctx context.Context, limit int) ([]broadcast.Job, error)
	Cancel(id string) error
}

type Schedules interface {
	Entries() []broadcast.ScheduleEntry
}

type RecipientCounter interface {
	CountRecipients(ctx context.Context) (int, error)
}

// Deps are the read models behind the API. Schedules and Recipients are optional.
type Deps struct {
	Jobs       Jobs
	Schedules  Schedules
	Recipients RecipientCounter
}

type handler struct {
	deps Deps
	log  logx.Logger
}

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// NewRouter builds the API. A non-empty token guards everything but /healthz.
func NewRouter(deps Deps, token string, pprof bool, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(recoverMiddleware(log))
	r.Use(loggingMiddleware(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeMessage(w, http.StatusOK, "ok") })

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(token))
		r.Route("/api", func(r chi.Router) {
			r.Get("/broadcasts", h.listBroadcasts)
			r.Get("/broadcasts/{id}", h.getBroadcast)
			r.Post("/broadcasts/{id}/cancel", h.cancelBroadcast)
			r.Get("/schedules", h.listSchedules)
			r.Get("/recipients/count", h.countRecipients)
		})
		if pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (h *handler) listBroadcasts(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	jobs, err := h.deps.Jobs.History(r.Context(), limit)
	if err != nil {
		h.log.Warn("list broadcasts failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not list broadcasts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"broadcasts": jobs})
}

func (h *handler) getBroadcast(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Jobs.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) cancelBroadcast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Jobs.Cancel(id); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	h.log.Info("broadcast cancel requested over http", logx.String("job", id), logx.String("request_id", middleware.GetReqID(r.Context())))
	writeMessage(w, http.StatusAccepted, "cancel requested")
}

func (h *handler) listSchedules(w http.ResponseWriter, _ *http.Request) {
	entries := []broadcast.ScheduleEntry{}
	if h.deps.Schedules != nil {
		entries = h.deps.Schedules.Entries()
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": entries})
}

func (h *handler) countRecipients(w http.ResponseWriter, r *http.Request) {
	if h.deps.Recipients == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "recipients not available")
		return
	}
	n, err := h.deps.Recipients.CountRecipients(r.Context())
	if err != nil {
		h.log.Warn("count recipients failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not count recipients")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, broadcast.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "broadcast not found"
	case errors.Is(err, broadcast.ErrFinished):
		return http.StatusConflict, "CONFLICT", "broadcast already finished"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": msg}})
}
