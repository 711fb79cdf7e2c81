// Package admin serves the HTTP administration API of the receivers.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/instance"
	"github.com/caio-sobreiro/dicomscp/manager"
	"github.com/caio-sobreiro/dicomscp/server"
)

// Manager is the part of *manager.Manager the API drives.
type Manager interface {
	List(ctx context.Context) ([]instance.Instance, error)
	Get(ctx context.Context, id int64) (instance.Instance, error)
	Save(ctx context.Context, inst instance.Instance) (instance.Instance, error)
	SetInstances(ctx context.Context, insts map[string]instance.Instance) ([]instance.Instance, error)
	DeleteInstances(ctx context.Context, ids ...int64) error
	Enable(ctx context.Context, id int64) (instance.Instance, error)
	Disable(ctx context.Context, id int64) (instance.Instance, error)
	Start(ctx context.Context) ([]server.Change, error)
	Stop() []server.Change
	SetReceiverEnabled(ctx context.Context, enabled bool) ([]server.Change, error)
	Status() manager.Status
}

var _ Manager = (*manager.Manager)(nil)

// StrategyLister lists the strategy names an instance may refer to.
// *strategy.Registry implements it.
type StrategyLister interface {
	Names() (identifiers, namers []string)
}

// maxBody bounds request bodies.
const maxBody = 1 << 20

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithGatherer serves gatherer on /metrics. Without it /metrics serves
// the default Prometheus registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithStrategies serves the names known to lister on /api/strategies.
func WithStrategies(lister StrategyLister) Option {
	return func(h *Handler) { h.strategies = lister }
}

// Handler routes the admin API.
type Handler struct {
	mgr        Manager
	strategies StrategyLister
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	mux        *http.ServeMux
}

// New builds the routes.
func New(mgr Manager, opts ...Option) *Handler {
	h := &Handler{
		mgr:      mgr,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "admin")

	h.mux.HandleFunc("GET /api/instances", h.listInstances)
	h.mux.HandleFunc("POST /api/instances", h.createInstance)
	h.mux.HandleFunc("PUT /api/instances", h.setInstances)
	h.mux.HandleFunc("DELETE /api/instances", h.deleteInstances)
	h.mux.HandleFunc("GET /api/instances/{id}", h.getInstance)
	h.mux.HandleFunc("PUT /api/instances/{id}", h.updateInstance)
	h.mux.HandleFunc("DELETE /api/instances/{id}", h.deleteInstance)
	h.mux.HandleFunc("POST /api/instances/{id}/enable", h.toggle(true))
	h.mux.HandleFunc("POST /api/instances/{id}/disable", h.toggle(false))

	h.mux.HandleFunc("GET /api/receivers", h.receiverStatus)
	h.mux.HandleFunc("POST /api/receivers/start", h.startReceivers)
	h.mux.HandleFunc("POST /api/receivers/stop", h.stopReceivers)
	h.mux.HandleFunc("PUT /api/receivers/enabled", h.setReceiverEnabled)

	if h.strategies != nil {
		h.mux.HandleFunc("GET /api/strategies", h.listStrategies)
	}

	h.mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	h.mux.HandleFunc("GET /healthz", h.health)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type changesResponse struct {
	Changes []server.Change `json:"changes"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request) {
	insts, err := h.mgr.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if insts == nil {
		insts = []instance.Instance{}
	}
	h.write(w, http.StatusOK, insts)
}

func (h *Handler) getInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inst, err := h.mgr.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, inst)
}

func (h *Handler) createInstance(w http.ResponseWriter, r *http.Request) {
	var inst instance.Instance
	if !h.decode(w, r, &inst) {
		return
	}
	inst.ID = 0
	saved, err := h.mgr.Save(r.Context(), inst)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusCreated, saved)
}

func (h *Handler) updateInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var inst instance.Instance
	if !h.decode(w, r, &inst) {
		return
	}
	inst.ID = id
	saved, err := h.mgr.Save(r.Context(), inst)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, saved)
}

func (h *Handler) setInstances(w http.ResponseWriter, r *http.Request) {
	var insts map[string]instance.Instance
	if !h.decode(w, r, &insts) {
		return
	}
	saved, err := h.mgr.SetInstances(r.Context(), insts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if saved == nil {
		saved = []instance.Instance{}
	}
	h.write(w, http.StatusOK, saved)
}

func (h *Handler) deleteInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.mgr.DeleteInstances(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteInstances(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query()["id"]
	if len(raw) == 0 {
		h.writeError(w, http.StatusBadRequest, "at least one id query parameter is required")
		return
	}
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid id "+strconv.Quote(s))
			return
		}
		ids = append(ids, id)
	}
	if err := h.mgr.DeleteInstances(r.Context(), ids...); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) toggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r)
		if !ok {
			return
		}
		var (
			inst instance.Instance
			err  error
		)
		if enabled {
			inst, err = h.mgr.Enable(r.Context(), id)
		} else {
			inst, err = h.mgr.Disable(r.Context(), id)
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.write(w, http.StatusOK, inst)
	}
}

func (h *Handler) receiverStatus(w http.ResponseWriter, _ *http.Request) {
	status := h.mgr.Status()
	if status.Receivers == nil {
		status.Receivers = []server.Status{}
	}
	h.write(w, http.StatusOK, status)
}

func (h *Handler) startReceivers(w http.ResponseWriter, r *http.Request) {
	changes, err := h.mgr.Start(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeChanges(w, changes)
}

func (h *Handler) stopReceivers(w http.ResponseWriter, _ *http.Request) {
	h.writeChanges(w, h.mgr.Stop())
}

func (h *Handler) setReceiverEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		h.writeError(w, http.StatusBadRequest, `"enabled" is required`)
		return
	}
	changes, err := h.mgr.SetReceiverEnabled(r.Context(), *req.Enabled)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeChanges(w, changes)
}

type strategiesResponse struct {
	Identifiers []string `json:"identifiers"`
	FileNamers  []string `json:"fileNamers"`
}

func (h *Handler) listStrategies(w http.ResponseWriter, _ *http.Request) {
	identifiers, namers := h.strategies.Names()
	resp := strategiesResponse{Identifiers: identifiers, FileNamers: namers}
	if resp.Identifiers == nil {
		resp.Identifiers = []string{}
	}
	if resp.FileNamers == nil {
		resp.FileNamers = []string{}
	}
	h.write(w, http.StatusOK, resp)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	status := h.mgr.Status()
	h.write(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"receiverEnabled": status.Enabled,
		"receivers":       len(status.Receivers),
	})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid id "+strconv.Quote(raw))
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// fail maps manager errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Admin request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.writeError(w, status, err.Error())
}

func statusOf(err error) int {
	var netErr *dicomerrors.NetworkError
	switch {
	case errors.Is(err, dicomerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dicomerrors.ErrDuplicateTitleAndPort):
		return http.StatusConflict
	case errors.Is(err, dicomerrors.ErrInvalidInstance), errors.Is(err, dicomerrors.ErrUnknownStrategy):
		return http.StatusUnprocessableEntity
	case errors.As(err, &netErr):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeChanges(w http.ResponseWriter, changes []server.Change) {
	if changes == nil {
		changes = []server.Change{}
	}
	h.write(w, http.StatusOK, changesResponse{Changes: changes})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.write(w, status, map[string]string{"error": msg})
}

func (h *Handler) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// Serve runs an HTTP server for handler on addr until ctx is done, then
// shuts it down within timeout.
func Serve(ctx context.Context, addr string, handler http.Handler, timeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Admin API listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("Admin API stopped")
	return nil
}
