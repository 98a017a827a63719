package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/occupeye/internal/monitor/alert"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
)

func newTestMachine(t *testing.T) (*Machine, *clocktesting.FakePassiveClock) {
	t.Helper()
	clk := clocktesting.NewFakePassiveClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	return NewMachine(model.Vehicle{ID: "bus-1", Capacity: 40}, 3, clk), clk
}

func TestClassify(t *testing.T) {
	tests := []struct {
		faceCount    int
		wantStatus   model.Status
		wantSeverity model.Severity
	}{
		{0, model.StatusNormal, model.SeverityNone},
		{1, model.StatusNormal, model.SeverityNone},
		{2, model.StatusOvercrowded, model.SeverityModerate},
		{5, model.StatusOvercrowded, model.SeverityModerate},
		{6, model.StatusOvercrowded, model.SeverityHigh},
		{10, model.StatusOvercrowded, model.SeverityHigh},
		{11, model.StatusOvercrowded, model.SeverityCritical},
		{60, model.StatusOvercrowded, model.SeverityCritical},
	}

	for _, tt := range tests {
		status, severity := Classify(tt.faceCount)
		assert.Equal(t, tt.wantStatus, status, "faceCount=%d", tt.faceCount)
		assert.Equal(t, tt.wantSeverity, severity, "faceCount=%d", tt.faceCount)
	}
}

func TestMachineInitialState(t *testing.T) {
	m, clk := newTestMachine(t)

	snap := m.Snapshot()
	assert.Equal(t, model.StatusUnknown, snap.Status)
	assert.Equal(t, model.UnknownFaceCount, snap.FaceCount)
	assert.Equal(t, 40, snap.Capacity)
	assert.Equal(t, clk.Now(), snap.LastUpdate)
}

func TestMachineObserveSequence(t *testing.T) {
	m, clk := newTestMachine(t)
	ctx := context.Background()

	type step struct {
		faceCount    int
		wantStatus   model.Status
		wantSeverity model.Severity
		wantTr       bool
		wantAlert    model.AlertKind
	}
	steps := []step{
		{0, model.StatusNormal, model.SeverityNone, true, ""},
		{0, model.StatusNormal, model.SeverityNone, false, ""},
		{3, model.StatusOvercrowded, model.SeverityModerate, true, model.AlertOvercrowding},
		{12, model.StatusOvercrowded, model.SeverityCritical, true, model.AlertOvercrowding},
		{11, model.StatusOvercrowded, model.SeverityCritical, false, ""},
		{7, model.StatusOvercrowded, model.SeverityHigh, true, ""},
		{4, model.StatusOvercrowded, model.SeverityModerate, true, ""},
		{8, model.StatusOvercrowded, model.SeverityHigh, true, model.AlertOvercrowding},
		{0, model.StatusNormal, model.SeverityNone, true, ""},
		{2, model.StatusOvercrowded, model.SeverityModerate, true, model.AlertOvercrowding},
	}

	for i, s := range steps {
		clk.SetTime(clk.Now().Add(2 * time.Second))

		snap, tr, err := m.Observe(ctx, s.faceCount)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, s.wantStatus, snap.Status, "step %d", i)
		assert.Equal(t, s.wantSeverity, snap.Severity, "step %d", i)
		assert.Equal(t, s.faceCount, snap.FaceCount, "step %d", i)
		assert.Equal(t, clk.Now(), snap.LastUpdate, "step %d", i)

		kind, alerted := alert.Evaluate(tr)
		assert.Equal(t, s.wantAlert != "", alerted, "step %d", i)
		assert.Equal(t, s.wantAlert, kind, "step %d", i)

		if !s.wantTr {
			assert.Nil(t, tr, "step %d", i)
			continue
		}
		require.NotNil(t, tr, "step %d", i)
		assert.Equal(t, s.wantStatus, tr.ToStatus)
		assert.Equal(t, s.wantSeverity, tr.ToSeverity)
		assert.Equal(t, model.CauseDetection, tr.Cause)
		assert.Equal(t, clk.Now(), tr.Timestamp)
	}
}

func TestMachineSeverityChangeKeepsFrom(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	_, _, err := m.Observe(ctx, 3)
	require.NoError(t, err)

	_, tr, err := m.Observe(ctx, 8)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, model.StatusOvercrowded, tr.FromStatus)
	assert.Equal(t, model.SeverityModerate, tr.FromSeverity)
	assert.Equal(t, model.SeverityHigh, tr.ToSeverity)
	assert.False(t, tr.StatusChanged())
}

func TestMachineEscalation(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	_, _, err := m.Observe(ctx, 4)
	require.NoError(t, err)

	for failures := 1; failures < 3; failures++ {
		snap, tr, err := m.Escalate(ctx, failures)
		require.NoError(t, err)
		assert.Nil(t, tr)
		assert.Equal(t, model.StatusOvercrowded, snap.Status)
		assert.Equal(t, 4, snap.FaceCount)
	}

	snap, tr, err := m.Escalate(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, model.StatusOffline, snap.Status)
	assert.Equal(t, model.UnknownFaceCount, snap.FaceCount)
	assert.Equal(t, model.SeverityNone, snap.Severity)
	assert.Equal(t, model.CauseEscalation, tr.Cause)
	assert.Equal(t, model.StatusOvercrowded, tr.FromStatus)
	assert.Equal(t, model.SeverityModerate, tr.FromSeverity)
	kind, alerted := alert.Evaluate(tr)
	assert.True(t, alerted)
	assert.Equal(t, model.AlertServiceUnavailable, kind)

	// Further failures while offline are no-ops.
	_, tr, err = m.Escalate(ctx, 4)
	require.NoError(t, err)
	assert.Nil(t, tr)
	_, alerted = alert.Evaluate(tr)
	assert.False(t, alerted)

	// Offline is left on the next success.
	snap, tr, err = m.Observe(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, model.StatusOffline, tr.FromStatus)
	assert.Equal(t, model.StatusOvercrowded, snap.Status)
	assert.Equal(t, model.SeverityModerate, snap.Severity)
}

func TestMachineDeactivate(t *testing.T) {
	m, _ := newTestMachine(t)

	snap, tr, err := m.Deactivate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, model.CauseDeactivation, tr.Cause)
	assert.Equal(t, model.StatusUnknown, tr.FromStatus)
	assert.Equal(t, model.StatusOffline, snap.Status)
	_, alerted := alert.Evaluate(tr)
	assert.False(t, alerted, "deactivation never alerts")

	_, tr, err = m.Deactivate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestMachineAppliesWithCanceledContext(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, tr, err := m.Deactivate(ctx)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, model.StatusOffline, snap.Status)
}

func TestMachineRejectsNegativeCount(t *testing.T) {
	m, _ := newTestMachine(t)

	snap, tr, err := m.Observe(context.Background(), -1)
	assert.ErrorIs(t, err, ErrNegativeCount)
	assert.Nil(t, tr)
	assert.Equal(t, model.StatusUnknown, snap.Status)
}
