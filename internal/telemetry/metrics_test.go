package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	m := New("test")

	m.RecordDecision("rules", "action_greet")
	m.RecordDecision("rules", "action_greet")
	m.RecordDecision("fallback", "action_default_fallback")
	m.RecordPolicyOutcome("ml", "abstained")
	m.RecordSaveConflict()
	m.RecordLockTimeout()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("rules", "action_greet")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("fallback", "action_default_fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.policyOutcomes.WithLabelValues("ml", "abstained")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.saveConflictsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockTimeoutsTotal))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New("test")
	m.RecordDecision("rules", "action_greet")
	m.ObserveTurn("ok", 0.05)
	m.ObserveLockWait(0.002)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestIsolatedRegistries(t *testing.T) {
	a := New("test")
	b := New("test")
	a.RecordSaveConflict()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.saveConflictsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.saveConflictsTotal))
}
