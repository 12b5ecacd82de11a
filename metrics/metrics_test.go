package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	registry := prometheus.NewRegistry()
	require.NotPanics(t, func() { Register(registry) })

	IncDecision("blocked", "ip_blocked")
	IncAsyncDropped()
	SetAttackMode(true)

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["warden_decisions_total"])
	assert.True(t, names["warden_async_dropped_total"])
	assert.True(t, names["warden_attack_mode"])
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(decisionsTotal.WithLabelValues("admitted", "none"))
	IncDecision("admitted", "none")
	IncDecision("admitted", "none")
	assert.Equal(t, before+2, testutil.ToFloat64(decisionsTotal.WithLabelValues("admitted", "none")))

	SetAttackMode(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(attackMode))

	SetListEntries("blacklist", 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(listEntries.WithLabelValues("blacklist")))

	okBefore := testutil.ToFloat64(telemetryTotal.WithLabelValues("warden.threats", "ok"))
	errBefore := testutil.ToFloat64(telemetryTotal.WithLabelValues("warden.threats", "error"))
	IncTelemetry("warden.threats", nil)
	IncTelemetry("warden.threats", errors.New("no connection"))
	assert.Equal(t, okBefore+1, testutil.ToFloat64(telemetryTotal.WithLabelValues("warden.threats", "ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(telemetryTotal.WithLabelValues("warden.threats", "error")))
}
