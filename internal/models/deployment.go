package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status is the lifecycle state of a Deployment.
type Status string

const (
	StatusPending         Status = "pending"
	StatusDeploying       Status = "deploying"
	StatusActive          Status = "active"
	StatusFailed          Status = "failed"
	StatusDestroying      Status = "destroying"
	StatusDestroyed       Status = "destroyed"
	StatusErrorDestroying Status = "error_destroying"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusDeploying, StatusFailed},
	StatusDeploying:  {StatusActive, StatusFailed},
	StatusActive:     {StatusDestroying},
	StatusDestroying: {StatusDestroyed, StatusErrorDestroying},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDeploying, StatusActive, StatusFailed,
		StatusDestroying, StatusDestroyed, StatusErrorDestroying:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
// A terminal deployment can only be purged.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusDestroyed || s == StatusErrorDestroying
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Deployment is one instantiated lab environment.
type Deployment struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	FriendlyName string         `gorm:"type:varchar(255);not null" json:"friendly_name"`
	Scenario     string         `gorm:"type:varchar(255);index;not null" json:"scenario"`
	Status       Status         `gorm:"type:varchar(32);index;not null" json:"status"`
	Outputs      datatypes.JSON `json:"outputs"`
	Error        string         `gorm:"type:text" json:"error"`
	CreatedAt    time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// OutputMap decodes the stored outputs. Missing or undecodable outputs yield an empty map.
func (d *Deployment) OutputMap() map[string]any {
	out := map[string]any{}
	if len(d.Outputs) == 0 {
		return out
	}
	if err := json.Unmarshal(d.Outputs, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// DeploymentUpdate is a partial mutation. Nil fields are left unchanged.
type DeploymentUpdate struct {
	Status  *Status
	Outputs map[string]any
	Error   *string
}

// WithStatus is a convenience for building updates.
func WithStatus(s Status) *Status { return &s }

// WithError is a convenience for building updates.
func WithError(msg string) *string { return &msg }
