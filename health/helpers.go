package health

import (
	"strings"
	"time"
)

const (
	stateHealthy   = "healthy"
	stateDegraded  = "degraded"
	stateUnhealthy = "unhealthy"
)

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == stateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy reports a component that is doing its job.
func NewHealthy(component, message string) Status {
	return newStatus(component, stateHealthy, message)
}

// NewUnhealthy reports a component that has stopped or failed for good.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, stateUnhealthy, message)
}

// NewDegraded reports a component that is starting, stopping or retrying.
func NewDegraded(component, message string) Status {
	return newStatus(component, stateDegraded, message)
}

// Aggregate folds sub-statuses into one status for component. Nested
// sub-statuses count too, so a degraded log poller under a running controller
// degrades the aggregate. The worst state wins and the message names every
// component in that state by its path, e.g. "controller/log-poller".
func Aggregate(component string, subStatuses []Status) Status {
	var unhealthy, degraded []string
	var walk func(prefix string, statuses []Status)
	walk = func(prefix string, statuses []Status) {
		for _, s := range statuses {
			path := prefix + s.Component
			switch {
			case s.IsUnhealthy():
				unhealthy = append(unhealthy, path)
			case s.IsDegraded():
				degraded = append(degraded, path)
			}
			walk(path+"/", s.SubStatuses)
		}
	}
	walk("", subStatuses)

	var status Status
	switch {
	case len(unhealthy) > 0:
		status = NewUnhealthy(component, "Unhealthy: "+strings.Join(unhealthy, ", "))
	case len(degraded) > 0:
		status = NewDegraded(component, "Degraded: "+strings.Join(degraded, ", "))
	case len(subStatuses) == 0:
		status = NewHealthy(component, "Nothing to report")
	default:
		status = NewHealthy(component, "All components healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}
