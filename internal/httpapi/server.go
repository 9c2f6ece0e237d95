// Package httpapi exposes the agent over HTTP: composite state snapshots,
// a websocket live stream, the audit log window, and the mode commands.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/signalgrid/intersection-agent/internal/dispatch"
	"github.com/signalgrid/intersection-agent/internal/logs"
	"github.com/signalgrid/intersection-agent/internal/observer"
)

type API struct {
	tracker    *observer.Tracker
	dispatcher *dispatch.Dispatcher
	logs       *logs.Reader
	logger     *slog.Logger
	logCache   *gocache.Cache
}

func New(tracker *observer.Tracker, dispatcher *dispatch.Dispatcher, reader *logs.Reader, logger *slog.Logger) *API {
	return &API{
		tracker:    tracker,
		dispatcher: dispatcher,
		logs:       reader,
		logger:     logger,
		logCache:   gocache.New(2*time.Second, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(a.logger))
	r.Use(RecoverJSON(a.logger))

	// The websocket stream is long-lived, so it sits outside the request
	// timeout applied to the plain endpoints.
	r.Get("/api/state/ws", a.streamState)

	r.Group(func(g chi.Router) {
		g.Use(middleware.Timeout(20 * time.Second))
		g.Get("/healthz", a.health)
		g.Route("/api", func(api chi.Router) {
			api.Get("/state", a.getState)
			api.With(Cache(a.logCache, 2*time.Second)).Get("/logs", a.getLogs)

			api.Route("/mode", func(mode chi.Router) {
				mode.Use(RateLimit(rate.Every(time.Second), 5))
				mode.Post("/default", a.command(a.dispatcher.SetDefault))
				mode.Post("/night", a.command(a.dispatcher.SetNight))
				mode.Post("/emergency-a", a.command(a.dispatcher.SetEmergencyA))
				mode.Post("/emergency-b", a.command(a.dispatcher.SetEmergencyB))
				mode.Post("/peak", a.setPeak)
			})
		})
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	_, ready := a.tracker.Current()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stateReady": ready})
}

func (a *API) getState(w http.ResponseWriter, _ *http.Request) {
	state, ok := a.tracker.Current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "state_pending", "No composite state observed yet")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) getLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := a.logs.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "logs_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

// command wraps the parameterless mode switches into a common handler.
func (a *API) command(send func(context.Context) (dispatch.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := send(r.Context())
		a.writeCommandResult(w, result, err)
	}
}

type peakRequest struct {
	GreenAs int `json:"greenA_s"`
	GreenBs int `json:"greenB_s"`
}

func (a *API) setPeak(w http.ResponseWriter, r *http.Request) {
	var payload peakRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if payload.GreenAs <= 0 || payload.GreenBs <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_greens", "greenA_s and greenB_s must be positive")
		return
	}
	result, err := a.dispatcher.SetPeak(r.Context(), payload.GreenAs, payload.GreenBs)
	a.writeCommandResult(w, result, err)
}

func (a *API) writeCommandResult(w http.ResponseWriter, result dispatch.Result, err error) {
	if err != nil {
		if errors.Is(err, dispatch.ErrBusy) {
			writeError(w, http.StatusConflict, "command_in_flight", "A command is already in flight")
			return
		}
		writeError(w, http.StatusInternalServerError, "command_failed", err.Error())
		return
	}
	status := http.StatusOK
	if result.Outcome == dispatch.OutcomeUnconfirmed {
		status = http.StatusAccepted
	}
	body := map[string]any{
		"outcome":   result.Outcome,
		"requestId": result.RequestID,
		"version":   result.Version,
	}
	if result.Outcome == dispatch.OutcomeRejected && result.Ack.Reason != "" {
		body["reason"] = result.Ack.Reason
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func RunServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "err", err)
			return err
		}
		return nil
	}
}
