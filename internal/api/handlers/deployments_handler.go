package handlers

import (
	"net/http"

	"github.com/cyber-range/engine/internal/api/types"
	"github.com/cyber-range/engine/internal/services"
	appErr "github.com/cyber-range/engine/pkg/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type DeploymentsHandler struct {
	svc      services.DeploymentService
	validate interface{ Struct(any) error }
}

func NewDeploymentsHandler(svc services.DeploymentService, v interface{ Struct(any) error }) *DeploymentsHandler {
	return &DeploymentsHandler{svc: svc, validate: v}
}

// List returns every deployment keyed by id.
func (h *DeploymentsHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListDeployments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]types.DeploymentResponse, len(items))
	for i := range items {
		out[items[i].ID.String()] = types.NewDeploymentResponse(&items[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *DeploymentsHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req types.DeployRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := h.svc.CreateDeployment(r.Context(), &services.CreateDeploymentInput{
		Scenario:  req.Scenario,
		Name:      req.InstanceID,
		Variables: req.Variables,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.AcceptedResponse{
		Status:     "accepted",
		InstanceID: d.ID.String(),
		Name:       d.FriendlyName,
	})
}

func (h *DeploymentsHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentID(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.DestroyDeployment(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.AcceptedResponse{Status: "accepted"})
}

func (h *DeploymentsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentID(w, r)
	if !ok {
		return
	}
	d, err := h.svc.GetDeployment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.NewDeploymentResponse(d))
}

func (h *DeploymentsHandler) Scenarios(w http.ResponseWriter, r *http.Request) {
	names, err := h.svc.ListScenarios(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: names, Meta: &types.Meta{Total: int64(len(names))}})
}

// deploymentID parses the {id} path parameter. A malformed id cannot name a
// deployment, so it is reported as not found.
func deploymentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, appErr.Newf(appErr.CodeNotFound, "deployment %q not found", raw))
		return uuid.Nil, false
	}
	return id, true
}
