// Package health tracks per-component health and reduces it to a single
// system status.
package health

import (
	"context"
	"time"
)

// Level is a health status level.
type Level string

const (
	Healthy   Level = "HEALTHY"
	Degraded  Level = "DEGRADED"
	Unhealthy Level = "UNHEALTHY"
	Critical  Level = "CRITICAL"
	Unknown   Level = "UNKNOWN"
	Error     Level = "ERROR"
)

// Severity orders levels for reduction. UNKNOWN and ERROR rank between
// HEALTHY and DEGRADED so they never mask a real degradation.
func (l Level) Severity() int {
	switch l {
	case Healthy:
		return 0
	case Unknown:
		return 1
	case Error:
		return 2
	case Degraded:
		return 3
	case Unhealthy:
		return 4
	case Critical:
		return 5
	default:
		return 1
	}
}

// IsValid reports whether l is one of the known levels.
func (l Level) IsValid() bool {
	switch l {
	case Healthy, Degraded, Unhealthy, Critical, Unknown, Error:
		return true
	}
	return false
}

// Status is a point-in-time health report from one source.
type Status struct {
	Status      Level                  `json:"status"`
	Source      string                 `json:"source"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// NewStatus builds a status stamped with the current time.
func NewStatus(level Level, source, description string, metadata map[string]interface{}) Status {
	return Status{
		Status:      level,
		Source:      source,
		Description: description,
		Metadata:    metadata,
		Timestamp:   time.Now(),
	}
}

// Reporter receives component health updates. *Tracker implements it.
type Reporter interface {
	Update(ctx context.Context, component string, status Status)
}
