// Package health reports the health of weave components as three-state values:
// healthy, degraded and unhealthy.
//
// A run controller reports healthy while RUNNING, degraded while starting or
// stopping, and unhealthy once it has failed or terminated. Aggregate folds several
// statuses into one, worst state wins:
//
//	status := health.Aggregate("weavectl", []health.Status{
//	    ctrl.Health(),
//	    health.FromError("nats", connErr),
//	})
//
// Messages built from errors are sanitized so endpoints and credentials never
// reach a status report.
package health
