// Package rebuild implements the bridge between pool-map membership
// changes and the data-rebalancing subsystem they trigger: on an EXCLUDE
// commit the pool service schedules a rebuild task instead of rebalancing
// data itself.
//
// Grounded on cuemby/warren's pkg/scheduler.Scheduler: a stoppable
// goroutine loop owned by Start/Stop, structured logging via pkg/log, and
// a per-cycle fan-out/join over the work at hand. The trigger here is an
// event (a membership change) rather than a timer, so the loop drains a
// buffered work queue instead of a time.Ticker, and each task is run by a
// small fixed worker pool joined with sync.WaitGroup rather than warren's
// single-goroutine reconcile cycle.
package rebuild

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/poolfabric/poolsvc/pkg/log"
	"github.com/poolfabric/poolsvc/pkg/metrics"
	"github.com/poolfabric/poolsvc/pkg/types"
)

// Task describes one rebuild job: re-replicate the data that targetIDs
// held, onto the given replica set, as of mapVersion.
type Task struct {
	PoolID     types.UUID
	MapVersion uint32
	TargetIDs  []uint32
	Op         types.UpdateOpcode
	Replicas   []string
}

// Runner performs the actual rebuild work for one task. Production builds
// wire this to the I/O target rebuild RPC; tests substitute a fake.
type Runner interface {
	Run(t Task) error
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(t Task) error

func (f RunnerFunc) Run(t Task) error { return f(t) }

const defaultWorkers = 4

// Bridge is the rebuild scheduler a pool service instance's leader
// lifecycle drives: Schedule/RegenerateTasks feed it work, LeaderStop
// clears a pool's in-flight bookkeeping.
type Bridge struct {
	runner   Runner
	workers  int
	workCh   chan Task
	stopCh   chan struct{}
	wg       sync.WaitGroup
	disabled bool
	log      zerolog.Logger

	mu      sync.Mutex
	perPool map[types.UUID][]Task // in-flight tasks, for RegenerateTasks/LeaderStop bookkeeping
}

// New creates a rebuild bridge. disabled mirrors the POOL_REBUILD_DISABLED
// environment flag: when set, Schedule becomes a no-op logged at debug
// level rather than enqueuing work.
func New(runner Runner, disabled bool) *Bridge {
	return &Bridge{
		runner:   runner,
		workers:  defaultWorkers,
		workCh:   make(chan Task, 256),
		stopCh:   make(chan struct{}),
		disabled: disabled,
		log:      log.WithComponent("rebuild"),
		perPool:  make(map[types.UUID][]Task),
	}
}

// Start launches the worker pool.
func (b *Bridge) Start() {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
}

// Stop tears down the worker pool entirely (process shutdown). Per-pool
// LeaderStop is the narrower operation used on step-down/destroy.
func (b *Bridge) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Bridge) worker() {
	defer b.wg.Done()
	for {
		select {
		case t, ok := <-b.workCh:
			if !ok {
				return
			}
			b.run(t)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bridge) run(t Task) {
	defer b.finish(t)
	timer := metrics.NewTimer()
	err := b.runner.Run(t)
	timer.ObserveDuration(metrics.RebuildTaskDuration)
	if err == nil {
		metrics.RebuildTasksTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.RebuildTasksTotal.WithLabelValues("failed").Inc()
		b.log.Error().
			Err(err).
			Str("pool_id", t.PoolID.String()).
			Uint32("map_version", t.MapVersion).
			Msg("rebuild task failed")
	}
}

func (b *Bridge) finish(t Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tasks := b.perPool[t.PoolID]
	for i, existing := range tasks {
		if existing.MapVersion == t.MapVersion {
			b.perPool[t.PoolID] = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}
}

// Schedule enqueues a rebuild task after an EXCLUDE commits, carrying the
// excluded target ids and the replica set as of that commit. Called
// non-transactionally, after the caller's reply has already been
// constructed — a scheduling failure is logged, never surfaced to the
// RPC caller.
func (b *Bridge) Schedule(poolID types.UUID, mapVersion uint32, targetIDs []uint32, op types.UpdateOpcode, replicas []string) {
	if b.disabled {
		b.log.Debug().Str("pool_id", poolID.String()).Msg("rebuild disabled, skipping schedule")
		return
	}
	t := Task{PoolID: poolID, MapVersion: mapVersion, TargetIDs: targetIDs, Op: op, Replicas: replicas}

	b.mu.Lock()
	b.perPool[poolID] = append(b.perPool[poolID], t)
	b.mu.Unlock()

	select {
	case b.workCh <- t:
	case <-b.stopCh:
	}
}

// RegenerateTasks re-enqueues each of the given tasks, for resuming rebuilds
// that were in flight under an earlier leader. Tasks are not persisted by
// this package, and pkg/poolsvc does not call RegenerateTasks on start-up.
func (b *Bridge) RegenerateTasks(poolID types.UUID, tasks []Task) {
	if b.disabled {
		return
	}
	for _, t := range tasks {
		b.Schedule(t.PoolID, t.MapVersion, t.TargetIDs, t.Op, t.Replicas)
	}
}

// LeaderStop drops this pool's bookkeeping on step-down or destroy. Tasks
// already queued or running are not cancelled and run to completion; later
// Schedule calls for the pool are accepted as usual.
func (b *Bridge) LeaderStop(poolID types.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.perPool, poolID)
}

// InFlight reports the rebuild tasks currently pending or running for a
// pool, used by Query to report rebuild status.
func (b *Bridge) InFlight(poolID types.UUID) []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Task, len(b.perPool[poolID]))
	copy(out, b.perPool[poolID])
	return out
}

// PoolAdapter narrows a Bridge to the poolsvc.RebuildBridge shape for one
// pool's replica set, since poolsvc.RebuildBridge.Schedule doesn't carry a
// replica list itself (replicas are a registry/config-level concern).
// Construct one per Service with the replica addresses it should rebuild
// onto, and pass it to Service.SetRebuildBridge.
type PoolAdapter struct {
	Bridge   *Bridge
	Replicas []string
}

func (a *PoolAdapter) Schedule(poolID types.UUID, mapVersion uint32, targetIDs []uint32, op types.UpdateOpcode) {
	a.Bridge.Schedule(poolID, mapVersion, targetIDs, op, a.Replicas)
}

func (a *PoolAdapter) LeaderStop(poolID types.UUID) {
	a.Bridge.LeaderStop(poolID)
}

func (a *PoolAdapter) InFlightCount(poolID types.UUID) int {
	return len(a.Bridge.InFlight(poolID))
}
