// Package observe provides api.Observer implementations for running
// deployments: structured zap logging, Prometheus metrics and a watermill
// based lifecycle feed that callers can block on with WaitForInstance.
//
// Combine them with api.NewCompositeObserver.
package observe
