package rebuild

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolfabric/poolsvc/pkg/types"
)

func TestScheduleRunsTask(t *testing.T) {
	var ran int32
	done := make(chan struct{}, 1)
	b := New(RunnerFunc(func(task Task) error {
		atomic.AddInt32(&ran, 1)
		done <- struct{}{}
		return nil
	}), false)
	b.Start()
	defer b.Stop()

	poolID := types.NewUUID()
	b.Schedule(poolID, 2, []uint32{3}, types.OpExclude, []string{"r1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rebuild task never ran")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestScheduleDisabledSkipsRunner(t *testing.T) {
	var ran int32
	b := New(RunnerFunc(func(task Task) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}), true)
	b.Start()
	defer b.Stop()

	b.Schedule(types.NewUUID(), 1, []uint32{1}, types.OpExclude, nil)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&ran))
}

func TestRegenerateTasksReschedulesAll(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	b := New(RunnerFunc(func(task Task) error {
		wg.Done()
		return nil
	}), false)
	b.Start()
	defer b.Stop()

	poolID := types.NewUUID()
	tasks := []Task{
		{PoolID: poolID, MapVersion: 1, TargetIDs: []uint32{1}, Op: types.OpExclude},
		{PoolID: poolID, MapVersion: 2, TargetIDs: []uint32{2}, Op: types.OpExclude},
	}
	b.RegenerateTasks(poolID, tasks)

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(time.Second):
		t.Fatal("not all regenerated tasks ran")
	}
}

func TestLeaderStopClearsBookkeeping(t *testing.T) {
	release := make(chan struct{})
	b := New(RunnerFunc(func(task Task) error {
		<-release
		return nil
	}), false)
	b.Start()
	defer func() {
		close(release)
		b.Stop()
	}()

	poolID := types.NewUUID()
	b.Schedule(poolID, 1, []uint32{1}, types.OpExclude, nil)
	require.Eventually(t, func() bool { return len(b.InFlight(poolID)) == 1 }, time.Second, 10*time.Millisecond)

	b.LeaderStop(poolID)
	assert.Empty(t, b.InFlight(poolID))
}

func TestPoolAdapterSatisfiesNarrowerInterface(t *testing.T) {
	b := New(RunnerFunc(func(task Task) error { return nil }), false)
	b.Start()
	defer b.Stop()

	adapter := &PoolAdapter{Bridge: b, Replicas: []string{"10.0.0.1:4000"}}
	var _ interface {
		Schedule(poolID types.UUID, mapVersion uint32, targetIDs []uint32, op types.UpdateOpcode)
		LeaderStop(poolID types.UUID)
		InFlightCount(poolID types.UUID) int
	} = adapter

	poolID := types.NewUUID()
	adapter.Schedule(poolID, 1, []uint32{1}, types.OpExclude)
	assert.Eventually(t, func() bool { return adapter.InFlightCount(poolID) == 0 }, time.Second, 10*time.Millisecond)
	adapter.LeaderStop(poolID)
}
