package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/service_kernel/internal/engine/events"
	"github.com/R3E-Network/service_kernel/internal/engine/recovery"
	"github.com/R3E-Network/service_kernel/internal/engine/state"
	"github.com/R3E-Network/service_kernel/internal/kernel"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	maxNotifyBody     = 1 << 20
)

// Kernel is the part of the kernel the admin surface reads and drives.
type Kernel interface {
	NodeName() string
	IsStarted() bool
	Status() []state.Health
	Events() events.EventLogger
	Restart(ctx context.Context, id string) error
	NotifyModule(ctx context.Context, name string, data any) (any, error)
}

type handler struct {
	k   Kernel
	now func() time.Time
}

// Option adds optional routes.
type Option func(*mux.Router)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(r *mux.Router) { r.Handle("/metrics", h).Methods(http.MethodGet) }
}

// WithHub mounts the session transport at /ws.
func WithHub(h http.Handler) Option {
	return func(r *mux.Router) { r.Handle("/ws", h) }
}

// NewRouter builds the admin router.
func NewRouter(k Kernel, opts ...Option) *mux.Router {
	h := &handler{k: k, now: time.Now}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/events", h.events).Methods(http.MethodGet)
	r.HandleFunc("/resources/{kind:cache|mq|module}/{name}/restart", h.restart).Methods(http.MethodPost)
	r.HandleFunc("/modules/{name}/notify", h.notify).Methods(http.MethodPost)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	body := Health{Status: "ok", Node: h.k.NodeName(), Time: h.now().UTC()}
	code := http.StatusOK
	if !h.k.IsStarted() {
		body.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	resources := h.k.Status()
	if resources == nil {
		resources = []state.Health{}
	}
	body := Status{Node: h.k.NodeName(), Started: h.k.IsStarted(), Resources: resources}
	for _, r := range resources {
		if r.Status == state.StatusFailed || r.Status == state.StatusStopFailed {
			body.Failed++
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxEventLimit)
	}

	el := h.k.Events()
	var list []events.Event
	switch q := r.URL.Query(); {
	case q.Get("resource") != "":
		list = el.RecentByResource(q.Get("resource"), limit)
	case q.Get("type") != "":
		list = el.RecentByType(events.EventType(q.Get("type")), limit)
	default:
		list = el.Recent(limit)
	}
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, Events{Events: list})
}

func (h *handler) restart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := kernel.ResourceID(vars["kind"], vars["name"])
	if err := h.k.Restart(r.Context(), id); err != nil {
		code := http.StatusConflict
		if errors.Is(err, recovery.ErrNotRecoverable) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}
	res := RestartResult{Resource: id}
	for _, hl := range h.k.Status() {
		if hl.Name == id {
			res.Status = hl.Status
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) notify(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var data any
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotifyBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	result, err := h.k.NotifyModule(r.Context(), name, data)
	switch {
	case errors.Is(err, kernel.ErrModuleNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, NotifyResult{Module: name, Result: result})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

var _ Kernel = (*kernel.Kernel)(nil)
