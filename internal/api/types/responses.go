package types

import (
	"time"

	"github.com/cyber-range/engine/internal/models"
)

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Meta    *Meta     `json:"meta,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type Meta struct {
	RequestID string `json:"request_id,omitempty"`
	Total     int64  `json:"total,omitempty"`
}

// AcceptedResponse acknowledges an asynchronous operation.
type AcceptedResponse struct {
	Status     string `json:"status"`
	InstanceID string `json:"instance_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// DeploymentResponse is the full deployment record. Outputs is never null and
// Error is always present, empty when there is no failure. Name repeats
// FriendlyName for older clients.
type DeploymentResponse struct {
	ID           string         `json:"id"`
	FriendlyName string         `json:"friendly_name"`
	Name         string         `json:"name"`
	Scenario     string         `json:"scenario"`
	Status       models.Status  `json:"status"`
	Outputs      map[string]any `json:"outputs"`
	Error        string         `json:"error"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func NewDeploymentResponse(d *models.Deployment) DeploymentResponse {
	return DeploymentResponse{
		ID:           d.ID.String(),
		FriendlyName: d.FriendlyName,
		Name:         d.FriendlyName,
		Scenario:     d.Scenario,
		Status:       d.Status,
		Outputs:      d.OutputMap(),
		Error:        d.Error,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}
