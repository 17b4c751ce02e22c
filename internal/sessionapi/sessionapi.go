// Package sessionapi exposes the Session Router (C8) as a JSON HTTP API,
// the same way internal/enginerun exposes the Engine Runtime over a Redis
// queue: Gateway (a separate process, C10) calls this surface instead of
// importing internal/sessionrouter directly, so the two can scale and
// deploy independently per spec §5.
package sessionapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/r3e-network/dalston/internal/platform/apierr"
	"github.com/r3e-network/dalston/internal/platform/httpapi"
	"github.com/r3e-network/dalston/internal/sessionrouter"
	"github.com/r3e-network/dalston/internal/statestore"
)

// API wires sessionrouter.Router's methods onto a chi router.
type API struct {
	router *sessionrouter.Router
	log    *logrus.Entry
}

// New builds an API over an existing Router.
func New(router *sessionrouter.Router, log *logrus.Entry) *API {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &API{router: router, log: log}
}

// Mount registers every route under r.
func (a *API) Mount(r chi.Router) {
	r.Post("/v1/workers", a.registerWorker)
	r.Post("/v1/workers/{workerID}/heartbeat", a.heartbeat)
	r.Delete("/v1/workers/{workerID}", a.deregisterWorker)
	r.Get("/v1/workers/{workerID}/sessions", a.listWorkerSessions)

	r.Post("/v1/sessions/allocate", a.allocate)
	r.Post("/v1/sessions/{sessionID}/redeem", a.redeem)
	r.Post("/v1/sessions/{sessionID}/release", a.release)
	r.Post("/v1/sessions/{sessionID}/stats", a.updateStats)
}

type registerWorkerRequest struct {
	ID        string   `json:"id"`
	Capacity  int      `json:"capacity"`
	Languages []string `json:"languages"`
	Models    []string `json:"models"`
}

func (a *API) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	worker := sessionrouter.Worker{
		ID:        req.ID,
		Capacity:  req.Capacity,
		Languages: req.Languages,
		Models:    req.Models,
		Status:    sessionrouter.WorkerAvailable,
	}
	if err := a.router.RegisterWorker(r.Context(), worker); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if err := a.router.Heartbeat(r.Context(), workerID); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) deregisterWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if err := a.router.DeregisterWorker(r.Context(), workerID); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listWorkerSessions(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	sessions, err := a.router.ListWorkerSessions(r.Context(), workerID)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

type allocateRequest struct {
	TenantID      string `json:"tenant_id"`
	Language      string `json:"language"`
	Model         string `json:"model"`
	Encoding      string `json:"encoding"`
	SampleRate    int    `json:"sample_rate"`
	RetentionDays int    `json:"retention_days"`
}

func (a *API) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	alloc, err := a.router.Allocate(r.Context(), sessionrouter.AllocateParams{
		TenantID:      req.TenantID,
		Language:      req.Language,
		Model:         req.Model,
		Encoding:      req.Encoding,
		SampleRate:    req.SampleRate,
		RetentionDays: req.RetentionDays,
	})
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, alloc)
}

type redeemRequest struct {
	Ticket string `json:"ticket"`
}

func (a *API) redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	sessionID, ok, err := a.router.Redeem(r.Context(), req.Ticket)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if !ok {
		httpapi.WriteError(w, apierr.NotFound("ticket", req.Ticket))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

type releaseRequest struct {
	Status        string `json:"status"`
	RetentionDays int    `json:"retention_days"`
}

func (a *API) release(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req releaseRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	status := statestore.SessionCompleted
	if req.Status != "" {
		status = statestore.SessionStatus(req.Status)
	}
	if err := a.router.Release(r.Context(), sessionID, status, req.RetentionDays); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

type updateStatsRequest struct {
	AudioDurationSeconds float64 `json:"audio_duration_seconds"`
	SegmentCount         int     `json:"segment_count"`
	WordCount            int     `json:"word_count"`
}

func (a *API) updateStats(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req updateStatsRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	err := a.router.UpdateStats(r.Context(), sessionID, statestore.SessionStats{
		AudioDurationSeconds: req.AudioDurationSeconds,
		SegmentCount:         req.SegmentCount,
		WordCount:            req.WordCount,
	})
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
