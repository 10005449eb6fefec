package modules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ledgerwatch.io/ledgerwatch/internal/api/handlers"
	"ledgerwatch.io/ledgerwatch/internal/config"
	"ledgerwatch.io/ledgerwatch/internal/eventstore"
)

// storeOnly contributes just the event store.
type storeOnly struct{ Module }

func (storeOnly) ContributeServerDeps(d *handlers.ServerDeps) { d.Events = eventstore.NewMemoryStore() }

func TestNewServerDeps_ReportsMissingCollaborators(t *testing.T) {
	cfg := &config.Config{
		Webhook:   config.WebhookConfig{MaxPayloadBytes: 4096},
		Analytics: config.AnalyticsConfig{SummaryWindowMin: 15},
	}

	deps, err := NewServerDeps(cfg, &Infrastructure{Config: cfg}, []Module{nil, storeOnly{}})
	require.Error(t, err)
	require.NotContains(t, err.Error(), "event store")
	for _, name := range []string{"webhook receiver", "reconciliation engine", "metrics engine", "anomaly detector"} {
		require.Contains(t, err.Error(), name)
	}

	require.NotNil(t, deps.Events)
	require.Equal(t, int64(4096), deps.MaxBodyBytes)
	require.Equal(t, 15, deps.SummaryWindowMinutes)
	require.Empty(t, deps.Checks)
}
