// internal/handler/admin_handler.go
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/limiter"
	"github.com/unclebandit/alert-relay/internal/model"
	"github.com/unclebandit/alert-relay/internal/service"
)

// AdminHeader carries the caller's Telegram user id. Admin requests also
// need "Authorization: Bearer <token>" matching AdminHandler.APIToken.
const AdminHeader = "X-Admin-ID"

const bearerPrefix = "Bearer "

// Relay is the ingest surface used by the admin API.
type Relay interface {
	Handle(ctx context.Context, raw model.RawInboundMessage) error
	SkippedEntries() []limiter.SkippedEntry
	RequeueSkipped(ctx context.Context) (int, error)
}

type Schedule interface {
	SetWindow(ctx context.Context, duration, start string) (service.WindowStatus, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) (service.WindowStatus, error)
}

// Deliveries pages through the delivery log.
type Deliveries interface {
	List(ctx context.Context, page, pageSize int, status, destination string) ([]model.DeliveryRecord, map[string]int, error)
	Stats(ctx context.Context) (map[string]int, error)
}

// QueueStats reports the delivery queue occupancy.
type QueueStats interface {
	Len() int
	Cap() int
}

// AdminHandler holds the dependencies of the admin HTTP API.
type AdminHandler struct {
	Relay      Relay
	Schedule   Schedule
	Queue      QueueStats
	Deliveries Deliveries
	// APIToken is the shared admin secret. Empty closes the admin routes.
	APIToken string
	IsAdmin  func(userID int64) bool
	Log      *slog.Logger
}

// Routes mounts the admin API. /healthz and /metrics are public, the rest
// requires the API token and an allow-listed X-Admin-ID.
func (h *AdminHandler) Routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HealthHandler)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/status", h.StatusHandler)
		r.Post("/secondary", h.SetSecondaryHandler)
		r.Delete("/secondary", h.StopSecondaryHandler)
		r.Get("/skipped", h.ListSkippedHandler)
		r.Post("/skipped/requeue", h.RequeueSkippedHandler)
		r.Post("/alerts", h.InjectAlertHandler)
		if h.Deliveries != nil {
			r.Get("/deliveries", h.ListDeliveriesHandler)
			r.Get("/deliveries/stats", h.DeliveryStatsHandler)
		}
	})
	return r
}

func (h *AdminHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.validToken(r.Header.Get("Authorization")) {
			h.Log.Warn("admin request without valid token", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, appErrors.ErrUnauthorized.Error())
			return
		}
		id, err := strconv.ParseInt(r.Header.Get(AdminHeader), 10, 64)
		if err != nil || h.IsAdmin == nil || !h.IsAdmin(id) {
			h.Log.Warn("unauthorized admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusForbidden, appErrors.ErrUnauthorized.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) validToken(header string) bool {
	if h.APIToken == "" || !strings.HasPrefix(header, bearerPrefix) {
		return false
	}
	got := strings.TrimPrefix(header, bearerPrefix)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.APIToken)) == 1
}

func (h *AdminHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusHandler reports the secondary window and pipeline occupancy.
func (h *AdminHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := h.Schedule.Status(r.Context())
	if err != nil {
		h.Log.Error("reading secondary window failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read secondary window")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secondary":      st,
		"queue_depth":    h.Queue.Len(),
		"queue_capacity": h.Queue.Cap(),
		"skipped":        len(h.Relay.SkippedEntries()),
	})
}

// SetSecondaryHandler accepts {"duration": "4h", "start": "14:00"}.
func (h *AdminHandler) SetSecondaryHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Duration string `json:"duration"`
		Start    string `json:"start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	st, err := h.Schedule.SetWindow(r.Context(), payload.Duration, payload.Start)
	if err != nil {
		var wErr *appErrors.InvalidWindowError
		if errors.As(err, &wErr) {
			writeError(w, http.StatusBadRequest, wErr.Error())
			return
		}
		h.Log.Error("setting secondary window failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save secondary window")
		return
	}
	h.Log.Info("secondary window set over http", "start", st.Start, "expiry", st.Expiry)
	writeJSON(w, http.StatusOK, st)
}

func (h *AdminHandler) StopSecondaryHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.Schedule.Stop(r.Context()); err != nil {
		h.Log.Error("stopping secondary window failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to stop secondary window")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) ListSkippedHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.Relay.SkippedEntries()})
}

func (h *AdminHandler) RequeueSkippedHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.Relay.RequeueSkipped(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"enqueued": n, "remaining": len(h.Relay.SkippedEntries())})
}

// InjectAlertHandler runs {"text": "..."} through the ingest pipeline as if
// it had been posted on the source channel.
func (h *AdminHandler) InjectAlertHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text  string                 `json:"text"`
		Links []model.LinkAnnotation `json:"links"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := h.Relay.Handle(r.Context(), model.RawInboundMessage{Text: payload.Text, Links: payload.Links})
	var mismatch *appErrors.StructuralMismatchError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	case errors.Is(err, appErrors.ErrNotApplicable), errors.As(err, &mismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, appErrors.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, appErrors.ErrRateLimited), errors.Is(err, appErrors.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ListDeliveriesHandler supports ?page, ?page_size, ?status and ?destination.
func (h *AdminHandler) ListDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	records, pagination, err := h.Deliveries.List(r.Context(), page, pageSize, q.Get("status"), q.Get("destination"))
	if err != nil {
		h.Log.Error("listing deliveries failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       records,
		"pagination": pagination,
	})
}

func (h *AdminHandler) DeliveryStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Deliveries.Stats(r.Context())
	if err != nil {
		h.Log.Error("reading delivery stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read delivery stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
