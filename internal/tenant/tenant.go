package tenant

import (
	"time"
)

// Tenant represents one hosted backend unit, reachable through the
// shared edge by its routing key.
type Tenant struct {
	ID             string     `json:"id"`
	RoutingKey     string     `json:"routing_key"`
	Name           string     `json:"name"`
	OwnerID        string     `json:"owner_id"`
	State          State      `json:"state"`
	Port           *int       `json:"port,omitempty"`
	EngineEmail    string     `json:"-"`
	EnginePassword string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastStartedAt  *time.Time `json:"last_started_at,omitempty"`
	LastStoppedAt  *time.Time `json:"last_stopped_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// State is the persisted run state of a tenant's engine process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Active reports whether the state implies a bound port.
// Invariant: Port is non-nil iff Active().
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning
}
