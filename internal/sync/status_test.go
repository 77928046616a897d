package sync

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrigger struct {
	mu    sync.Mutex
	state DaemonState
	block chan struct{}
	calls int
	err   error
}

func (f *fakeTrigger) State() DaemonState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTrigger) TriggerSync() error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return f.err
}

func (f *fakeTrigger) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestHealthDerivation(t *testing.T) {
	running := &DaemonStats{State: DaemonRunning}
	tests := []struct {
		name   string
		daemon *DaemonStats
		errors int
		want   SyncHealth
	}{
		{"no stats ever", nil, 0, HealthOffline},
		{"idle", &DaemonStats{State: DaemonIdle}, 0, HealthOffline},
		{"stopping", &DaemonStats{State: DaemonStopping}, 0, HealthOffline},
		{"stopped", &DaemonStats{State: DaemonStopped}, 3, HealthOffline},
		{"running clean", running, 0, HealthHealthy},
		{"running one error", running, 1, HealthDegraded},
		{"running four errors", running, 4, HealthDegraded},
		{"running five errors", running, 5, HealthError},
		{"paused clean", &DaemonStats{State: DaemonPaused}, 0, HealthHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveHealth(tt.daemon, tt.errors))
		})
	}
}

func TestStatusSnapshotMergesStats(t *testing.T) {
	a := NewStatusAggregator(nil)
	now := time.Now()

	a.UpdateDaemonStats(DaemonStats{
		State:               DaemonRunning,
		FilesSynced:         7,
		SyncCyclesCompleted: 3,
		SyncErrors:          1,
		PendingEvents:       2,
		LastSyncAt:          now,
	})
	a.UpdateDownloadStats(DownloadStats{
		IsPolling:            true,
		TotalFilesDownloaded: 4,
		TotalFilesDeleted:    1,
		TrackedFiles:         11,
		LastPollAt:           now,
	})

	st := a.Snapshot()
	assert.Equal(t, DaemonRunning, st.DaemonState)
	assert.Equal(t, HealthHealthy, st.Health)
	assert.EqualValues(t, 7, st.Upload.TotalFilesUploaded)
	assert.EqualValues(t, 3, st.Upload.SyncCyclesCompleted)
	assert.EqualValues(t, 4, st.Download.TotalFilesDownloaded)
	assert.True(t, st.Download.IsPolling)
	assert.Equal(t, 2, st.PendingChanges)
	assert.Equal(t, 11, st.TrackedFiles)
	assert.False(t, st.GeneratedAt.IsZero())
}

func TestStatusErrorRing(t *testing.T) {
	a := NewStatusAggregator(&StatusConfig{MaxRecentErrors: 3})

	for i := 0; i < 5; i++ {
		a.AddError(SyncError{Direction: DirectionUpload, Message: fmt.Sprintf("e%d", i)})
	}

	st := a.Snapshot()
	require.Len(t, st.RecentErrors, 3)
	// newest first, oldest evicted
	assert.Equal(t, "e4", st.RecentErrors[0].Message)
	assert.Equal(t, "e2", st.RecentErrors[2].Message)
	assert.False(t, st.RecentErrors[0].Time.IsZero())

	a.ClearErrors()
	assert.Empty(t, a.Snapshot().RecentErrors)
}

func TestStatusSnapshotIsACopy(t *testing.T) {
	a := NewStatusAggregator(nil)
	a.AddError(SyncError{Message: "original"})
	a.SetProgress(SyncProgress{Direction: DirectionUpload, FilesTotal: 10})

	st := a.Snapshot()
	st.RecentErrors[0].Message = "mutated"
	st.Progress.FilesTotal = 99

	fresh := a.Snapshot()
	assert.Equal(t, "original", fresh.RecentErrors[0].Message)
	assert.Equal(t, 10, fresh.Progress.FilesTotal)

	a.ClearProgress()
	assert.Nil(t, a.Snapshot().Progress)
}

func TestUpdateProgress(t *testing.T) {
	a := NewStatusAggregator(nil)

	// no cycle running: the callback must not run
	a.UpdateProgress(func(p *SyncProgress) { t.Fatal("no progress to update") })

	a.SetProgress(SyncProgress{Direction: DirectionUpload, FilesTotal: 3})
	a.UpdateProgress(func(p *SyncProgress) {
		p.FilesCompleted = 1
		p.CurrentFile = "docs/a.txt"
		p.BytesTransferred = 512
		p.BytesTotal = 1024
	})

	st := a.Snapshot()
	require.NotNil(t, st.Progress)
	assert.Equal(t, 1, st.Progress.FilesCompleted)
	assert.Equal(t, "docs/a.txt", st.Progress.CurrentFile)
	assert.EqualValues(t, 512, st.Progress.BytesTransferred)
	assert.EqualValues(t, 1024, st.Progress.BytesTotal)

	a.ClearProgress()
	a.UpdateProgress(func(p *SyncProgress) { t.Fatal("cleared progress must stay cleared") })
}

func TestTriggerGate(t *testing.T) {
	a := NewStatusAggregator(nil)
	ft := &fakeTrigger{state: DaemonRunning, block: make(chan struct{})}

	settled := make(chan struct{}, 4)
	a.onTriggerDone = func() { settled <- struct{}{} }

	first := a.RequestTrigger(ft)
	assert.True(t, first.Accepted)

	second := a.RequestTrigger(ft)
	assert.False(t, second.Accepted)
	assert.Contains(t, second.Reason, "already in progress")

	close(ft.block)
	<-settled

	third := a.RequestTrigger(ft)
	assert.True(t, third.Accepted)
	<-settled
	assert.Equal(t, 2, ft.Calls())
}

func TestTriggerGateRejections(t *testing.T) {
	a := NewStatusAggregator(nil)

	res := a.RequestTrigger(nil)
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Reason, "no sync daemon")

	for _, st := range []DaemonState{DaemonIdle, DaemonStopping, DaemonStopped} {
		res := a.RequestTrigger(&fakeTrigger{state: st})
		assert.False(t, res.Accepted, "state %s", st)
	}

	// paused daemons still accept triggers
	settled := make(chan struct{}, 1)
	a.onTriggerDone = func() { settled <- struct{}{} }
	res = a.RequestTrigger(&fakeTrigger{state: DaemonPaused})
	assert.True(t, res.Accepted)
	<-settled
}

func TestTriggerFinalizerRunsOnFailure(t *testing.T) {
	a := NewStatusAggregator(nil)
	settled := make(chan struct{}, 2)
	a.onTriggerDone = func() { settled <- struct{}{} }

	failing := &fakeTrigger{state: DaemonRunning, err: errors.New("flush exploded")}
	res := a.RequestTrigger(failing)
	require.True(t, res.Accepted)
	<-settled

	// the gate cleared despite the failure, and the error is in the ring
	assert.False(t, a.TriggerInProgress())
	st := a.Snapshot()
	require.NotEmpty(t, st.RecentErrors)
	assert.Contains(t, st.RecentErrors[0].Message, "flush exploded")
	assert.Equal(t, CodeTriggerFailed, st.RecentErrors[0].Code)

	again := a.RequestTrigger(&fakeTrigger{state: DaemonRunning})
	assert.True(t, again.Accepted)
	<-settled
}
