package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGuard struct {
	mock.Mock
}

func (m *mockGuard) EvaluatePlan(ctx context.Context, plan *Plan, current *SystemState) (*GuardResult, error) {
	args := m.Called(ctx, plan, current)
	res, _ := args.Get(0).(*GuardResult)
	return res, args.Error(1)
}

func newTestOrchestrator(sim *simBackend, ledger *memLedger, locker Locker, guard PlanGuard) *Orchestrator {
	return NewOrchestrator(sim, newTestExecutor(sim, ledger, 1), locker, ledger, guard)
}

func TestConverge_AppliesAndReleasesLock(t *testing.T) {
	sim := newSimBackend(wifiManualState())
	ledger := &memLedger{}
	locker := &memLocker{}
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{Name: "Wi-Fi", DNSServers: &[]string{"1.1.1.1"}}},
	})

	report, err := newTestOrchestrator(sim, ledger, locker, nil).
		Converge(context.Background(), desired, ConvergeOptions{Owner: "cli"})

	require.NoError(t, err)
	assert.Equal(t, ApplyStatusConverged, report.Status)
	assert.Equal(t, []string{"setdnsservers"}, sim.verbs())
	assert.Len(t, ledger.runs, 1)
	assert.Empty(t, locker.holders)
}

func TestConverge_SwitchesLocationThenConfigures(t *testing.T) {
	state := wifiManualState()
	sim := newSimBackend(state)
	ledger := &memLedger{}
	desired := mustDesired(Document{
		Location:       "Travel",
		CreateLocation: true,
		Services:       []ServiceSpec{{Name: "Wi-Fi", IPv4: &IPv4Spec{Mode: IPv4DHCP}}},
	})

	report, err := newTestOrchestrator(sim, ledger, &memLocker{}, nil).
		Converge(context.Background(), desired, ConvergeOptions{})

	require.NoError(t, err)
	assert.Equal(t, []string{"createlocation", "switchtolocation", "setdhcp"}, sim.verbs())
	assert.Equal(t, ApplyStatusConverged, report.Status)
	require.Len(t, report.Results, 3)

	records := ledger.all()
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, i+1, rec.Sequence)
		assert.Equal(t, report.RunID, rec.RunID)
	}
}

func TestConverge_LockedLocation(t *testing.T) {
	sim := newSimBackend(wifiManualState())
	locker := &memLocker{holders: map[string]string{"Automatic": "someone-else"}}
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{Name: "Wi-Fi", DNSServers: &[]string{"1.1.1.1"}}},
	})

	_, err := newTestOrchestrator(sim, &memLedger{}, locker, nil).
		Converge(context.Background(), desired, ConvergeOptions{Owner: "cli"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.True(t, IsConflict(err))
	assert.Zero(t, sim.callCount())
}

func TestConverge_GuardDeniesPlan(t *testing.T) {
	sim := newSimBackend(wifiManualState())
	ledger := &memLedger{}
	guard := &mockGuard{}
	guard.On("EvaluatePlan", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, NewPermanentError("plan disables every service", nil).WithCode(ErrCodePolicyDenied))
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{Name: "Wi-Fi", Enabled: ptr(false)}},
	})

	_, err := newTestOrchestrator(sim, ledger, nil, guard).
		Converge(context.Background(), desired, ConvergeOptions{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPolicyDenied))
	assert.Zero(t, sim.callCount())
	assert.Empty(t, ledger.all())
	guard.AssertExpectations(t)
}

func TestConverge_GuardWarningsReachReport(t *testing.T) {
	sim := newSimBackend(wifiManualState())
	guard := &mockGuard{}
	guard.On("EvaluatePlan", mock.Anything, mock.Anything, mock.Anything).
		Return(&GuardResult{Warnings: []string{"plan changes addressing"}}, nil)
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{Name: "Wi-Fi", IPv4: &IPv4Spec{Mode: IPv4DHCP}}},
	})

	report, err := newTestOrchestrator(sim, &memLedger{}, nil, guard).
		Converge(context.Background(), desired, ConvergeOptions{})

	require.NoError(t, err)
	assert.Contains(t, report.Warnings, "plan changes addressing")
}

func TestConverge_GuardSkippedForEmptyPlan(t *testing.T) {
	sim := newSimBackend(wifiManualState())
	guard := &mockGuard{}
	desired := mustDesired(Document{Location: "Automatic"})

	report, err := newTestOrchestrator(sim, &memLedger{}, nil, guard).
		Converge(context.Background(), desired, ConvergeOptions{})

	require.NoError(t, err)
	assert.Equal(t, ApplyStatusConverged, report.Status)
	guard.AssertNotCalled(t, "EvaluatePlan", mock.Anything, mock.Anything, mock.Anything)
}

func TestConverge_DryRun(t *testing.T) {
	sim := newSimBackend(wifiManualState())
	ledger := &memLedger{}
	locker := &memLocker{holders: map[string]string{"Automatic": "someone-else"}}
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{Name: "Wi-Fi", IPv4: &IPv4Spec{Mode: IPv4DHCP}}},
	})

	report, err := newTestOrchestrator(sim, ledger, locker, nil).
		Converge(context.Background(), desired, ConvergeOptions{DryRun: true})

	require.NoError(t, err)
	assert.Equal(t, ApplyStatusDryRun, report.Status)
	assert.Zero(t, sim.callCount())
	assert.Empty(t, ledger.all())
	assert.Empty(t, ledger.runs)
}

func TestConverge_PartialFailureIsSaved(t *testing.T) {
	sim := newSimBackend(wifiManualState())
	sim.fail = func(cmd Command, _ int) error {
		if cmd.Verb == "setdnsservers" {
			return NewPermanentError("Wi-Fi is not a recognized network service", nil).WithCode(ErrCodeNotFound)
		}
		return nil
	}
	ledger := &memLedger{}
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{
			Name:       "Wi-Fi",
			IPv4:       &IPv4Spec{Mode: IPv4DHCP},
			DNSServers: &[]string{"8.8.8.8"},
		}},
	})

	report, err := newTestOrchestrator(sim, ledger, &memLocker{}, nil).
		Converge(context.Background(), desired, ConvergeOptions{})

	require.Error(t, err)
	assert.Equal(t, ApplyStatusPartiallyApplied, report.Status)
	require.Len(t, ledger.runs, 1)
	assert.Equal(t, ApplyStatusPartiallyApplied, ledger.runs[0].Status)
}

// countingLocker records the TTL of every acquire and reports its result.
type countingLocker struct {
	memLocker
	mu       sync.Mutex
	ttls     []time.Duration
	acquired chan error
}

func (l *countingLocker) AcquireLock(ctx context.Context, location, owner string, ttl time.Duration) error {
	err := l.memLocker.AcquireLock(ctx, location, owner, ttl)
	l.mu.Lock()
	l.ttls = append(l.ttls, ttl)
	l.mu.Unlock()
	l.acquired <- err
	return err
}

func TestConverge_RefreshesLockDuringApply(t *testing.T) {
	sim := newSimBackend(wifiManualState())
	locker := &countingLocker{acquired: make(chan error, 4)}
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{Name: "Wi-Fi", DNSServers: &[]string{"1.1.1.1"}}},
	})

	o := newTestOrchestrator(sim, &memLedger{}, locker, nil)
	ticks := make(chan time.Time)
	var interval time.Duration
	o.newTicker = func(d time.Duration) (<-chan time.Time, func()) {
		interval = d
		return ticks, func() {}
	}

	// the op in flight outlives a refresh interval
	var refreshErr error
	sim.fail = func(Command, int) error {
		<-locker.acquired
		ticks <- time.Now()
		refreshErr = <-locker.acquired
		return nil
	}

	report, err := o.Converge(context.Background(), desired, ConvergeOptions{Owner: "cli", LockTTL: 3 * time.Minute})

	require.NoError(t, err)
	assert.Equal(t, ApplyStatusConverged, report.Status)
	assert.NoError(t, refreshErr)
	assert.Equal(t, time.Minute, interval)
	assert.Equal(t, []time.Duration{3 * time.Minute, 3 * time.Minute}, locker.ttls)
	assert.Empty(t, locker.holders)
}

func TestKeepLock_LostLockCancelsCycle(t *testing.T) {
	locker := &memLocker{holders: map[string]string{"Automatic": "someone-else"}}
	o := NewOrchestrator(nil, nil, locker, nil, nil)
	ticks := make(chan time.Time, 1)
	o.newTicker = func(time.Duration) (<-chan time.Time, func()) { return ticks, func() {} }

	ctx, cancel := context.WithCancelCause(context.Background())
	stop := o.keepLock(ctx, cancel, "Automatic", "cli", time.Minute, zerolog.Nop())
	defer stop()

	ticks <- time.Now()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cycle was not cancelled after losing the lock")
	}
	assert.True(t, errors.Is(context.Cause(ctx), ErrLocked))
}

func TestMergeReports(t *testing.T) {
	first := &ApplyReport{Status: ApplyStatusConverged, Results: []OpResult{{Outcome: OutcomeSuccess}}}
	second := &ApplyReport{Status: ApplyStatusFailed, Results: []OpResult{{Outcome: OutcomeFailed}}}

	merged := mergeReports(first, second)

	assert.Equal(t, ApplyStatusPartiallyApplied, merged.Status)
	assert.Len(t, merged.Results, 2)
	assert.Same(t, first, mergeReports(first, nil))
	assert.Same(t, second, mergeReports(nil, second))
}
