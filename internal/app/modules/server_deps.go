package modules

import (
	"errors"
	"fmt"

	"ledgerwatch.io/ledgerwatch/internal/api/handlers"
	"ledgerwatch.io/ledgerwatch/internal/config"
)

// NewServerDeps seeds the handler deps from config and infrastructure, lets
// every module add its own, and fails if a handler would be left without
// the collaborator it needs.
func NewServerDeps(cfg *config.Config, infra *Infrastructure, mods []Module) (handlers.ServerDeps, error) {
	deps := handlers.ServerDeps{
		Checks:               infra.HealthChecks(),
		MaxBodyBytes:         cfg.Webhook.MaxPayloadBytes,
		SummaryWindowMinutes: cfg.Analytics.SummaryWindowMin,
	}
	for _, mod := range mods {
		if mod != nil {
			mod.ContributeServerDeps(&deps)
		}
	}

	var missing []error
	for _, req := range []struct {
		name string
		ok   bool
	}{
		{"webhook receiver", deps.Receiver != nil},
		{"event store", deps.Events != nil},
		{"reconciliation engine", deps.Reconciler != nil},
		{"metrics engine", deps.Metrics != nil},
		{"anomaly detector", deps.Detector != nil},
	} {
		if !req.ok {
			missing = append(missing, fmt.Errorf("no module provides the %s", req.name))
		}
	}
	return deps, errors.Join(missing...)
}
