package handler

import (
	"context"
	"errors"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edvin/rollout/internal/api/request"
	"github.com/edvin/rollout/internal/api/response"
	"github.com/edvin/rollout/internal/engine"
	"github.com/edvin/rollout/internal/history"
	"github.com/edvin/rollout/internal/model"
	"github.com/edvin/rollout/internal/plan"
)

// Runner executes one deployment to completion.
type Runner interface {
	Execute(ctx context.Context, req engine.DeployRequest) *model.DeploymentResult
}

// Lookup finds deployments that are no longer tracked in memory.
type Lookup interface {
	Get(ctx context.Context, id string) (*model.DeploymentResult, error)
}

// TargetDefaults fill in what a request leaves out.
type TargetDefaults struct {
	SSHUser       string
	SSHCredential model.CredentialHandle
}

type Deployment struct {
	ctx      context.Context
	logger   zerolog.Logger
	runner   Runner
	tracker  *engine.Tracker
	lookup   Lookup
	defaults TargetDefaults
	wg       sync.WaitGroup
}

// NewDeployment creates the handler. Deployments it starts run on ctx, not
// on the request context, so they outlive the HTTP exchange. lookup may be nil.
func NewDeployment(ctx context.Context, logger zerolog.Logger, runner Runner, tracker *engine.Tracker, lookup Lookup, defaults TargetDefaults) *Deployment {
	return &Deployment{
		ctx:      ctx,
		logger:   logger.With().Str("component", "api").Logger(),
		runner:   runner,
		tracker:  tracker,
		lookup:   lookup,
		defaults: defaults,
	}
}

// Wait blocks until every started deployment has finished.
func (h *Deployment) Wait() {
	h.wg.Wait()
}

// Create starts a deployment and returns its ID without waiting for it.
func (h *Deployment) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateDeployment
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	artifact, err := model.ParseArtifact(req.Artifact)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	target := model.TargetDescriptor{
		Host:       req.Host,
		Port:       req.Port,
		SSHUser:    req.SSHUser,
		Credential: model.CredentialHandle(req.SSHCredential),
	}
	if target.SSHUser == "" {
		target.SSHUser = h.defaults.SSHUser
	}
	if target.Credential.IsZero() {
		target.Credential = h.defaults.SSHCredential
	}
	if err := target.Validate(); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if target.Credential.IsZero() {
		response.WriteError(w, http.StatusBadRequest, "ssh_credential is required")
		return
	}

	cfg := req.Config
	if req.RegistryCredential != "" {
		cfg.RegistryCredential = req.RegistryCredential
	}
	cfg.ApplyDefaults()

	dr := engine.DeployRequest{
		ID:       uuid.New().String(),
		Plan:     plan.Canonical(engine.PlanOptionsFromConfig(&cfg)),
		Target:   target,
		Artifact: artifact,
		Settings: engine.SettingsFromConfig(&cfg),
	}

	// Registered before the goroutine starts so an immediate GET finds it.
	h.tracker.Observe(model.DeploymentResult{
		ID:        dr.ID,
		Host:      target.Host,
		Artifact:  artifact.String(),
		State:     model.StatePending,
		StartedAt: time.Now(),
	})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		res := h.runner.Execute(h.ctx, dr)
		h.logger.Info().
			Str("deployment_id", res.ID).
			Str("state", string(res.State)).
			Msg("deployment finished")
	}()

	w.Header().Set("Location", path.Join(r.URL.Path, dr.ID))
	response.WriteJSON(w, http.StatusAccepted, map[string]string{
		"id":    dr.ID,
		"state": string(model.StatePending),
	})
}

// Get returns the latest view of a deployment.
func (h *Deployment) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if res, ok := h.tracker.Get(id); ok {
		response.WriteJSON(w, http.StatusOK, res)
		return
	}
	if h.lookup == nil {
		response.WriteError(w, http.StatusNotFound, "deployment not found")
		return
	}

	res, err := h.lookup.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		response.WriteError(w, http.StatusNotFound, "deployment not found")
		return
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("deployment_id", id).Msg("history lookup failed")
		response.WriteError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	response.WriteJSON(w, http.StatusOK, res)
}

// List returns tracked deployments, newest first.
func (h *Deployment) List(w http.ResponseWriter, r *http.Request) {
	f := request.ParseDeploymentFilter(r)

	var items []model.DeploymentResult
	for _, res := range h.tracker.List() {
		if f.Host != "" && res.Host != f.Host {
			continue
		}
		if f.State != "" && string(res.State) != f.State {
			continue
		}
		items = append(items, res)
	}

	total := len(items)
	if len(items) > f.Limit {
		items = items[:f.Limit]
	}
	if items == nil {
		items = []model.DeploymentResult{}
	}
	response.WriteList(w, items, total)
}
