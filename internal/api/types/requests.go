package types

// DeployRequest starts a new deployment. InstanceID is a display label only.
type DeployRequest struct {
	Scenario   string            `json:"scenario" validate:"required,max=255"`
	InstanceID string            `json:"instance_id" validate:"max=255"`
	Variables  map[string]string `json:"variables,omitempty"`
}
