package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task type names.
const (
	TypeDeploy  = "deployment:provision"
	TypeDestroy = "deployment:destroy"
)

// DeployPayload is the task payload for provisioning a deployment.
type DeployPayload struct {
	DeploymentID uuid.UUID         `json:"deployment_id"`
	Scenario     string            `json:"scenario"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// DestroyPayload is the task payload for tearing a deployment down. When the
// record is already terminal the task purges it, unless KeepRecord is set.
type DestroyPayload struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
	KeepRecord   bool      `json:"keep_record,omitempty"`
}

func NewDeployTask(p DeployPayload, opts ...asynq.Option) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode deploy payload: %w", err)
	}
	return asynq.NewTask(TypeDeploy, b, opts...), nil
}

func NewDestroyTask(p DestroyPayload, opts ...asynq.Option) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode destroy payload: %w", err)
	}
	return asynq.NewTask(TypeDestroy, b, opts...), nil
}

// DeploymentIDOf reads the deployment id from either payload type.
func DeploymentIDOf(payload []byte) (uuid.UUID, error) {
	var p struct {
		DeploymentID uuid.UUID `json:"deployment_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return uuid.Nil, fmt.Errorf("decode payload: %w", err)
	}
	return p.DeploymentID, nil
}

// Runner executes task bodies in-process.
type Runner interface {
	RunDeploy(ctx context.Context, p DeployPayload) error
	RunDestroy(ctx context.Context, p DestroyPayload) error
}
