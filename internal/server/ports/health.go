// Package ports holds the contracts the HTTP layer consumes from the
// application layer.
package ports

import "context"

// HealthStatus is a component's readiness verdict.
type HealthStatus string

const (
	HealthStatusReady    HealthStatus = "ready"
	HealthStatusNotReady HealthStatus = "not_ready"
	HealthStatusDisabled HealthStatus = "disabled"
)

// ComponentHealth reports one component's health.
type ComponentHealth struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Details any          `json:"details,omitempty"`
}

// HealthProbe checks one component.
type HealthProbe interface {
	Check(ctx context.Context) ComponentHealth
}
