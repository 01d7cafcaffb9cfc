package facade

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/shardsched/internal/jobconfig"
	"github.com/me/shardsched/internal/store"
	"github.com/me/shardsched/pkg/model"
)

type fixture struct {
	store  *store.SQLiteStore
	jobs   *jobconfig.Repository
	facade *Facade
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	jobs := jobconfig.NewRepository(st, logger)
	f := New(DefaultConfig(), st, jobs, logger)
	t.Cleanup(func() {
		f.Close(context.Background())
		st.Close()
	})
	return &fixture{store: st, jobs: jobs, facade: f}
}

func transientJob(name string) *model.JobDefinition {
	return &model.JobDefinition{
		Name:          name,
		AppName:       "app",
		CPU:           1,
		MemoryMB:      128,
		ExecutionType: model.ExecutionTransient,
		ShardCount:    2,
		Cron:          "0 0 0 1 1 ?",
		Failover:      true,
		Misfire:       true,
	}
}

func daemonJob(name string) *model.JobDefinition {
	j := transientJob(name)
	j.ExecutionType = model.ExecutionDaemon
	j.Cron = ""
	return j
}

func (fx *fixture) seed(t *testing.T, ctx context.Context) {
	t.Helper()
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, fx.jobs.Put(ctx, transientJob(n)))
	}
	// a: failover shard 1, plus misfired and ready entries.
	require.NoError(t, fx.facade.RecordFailover(ctx, model.TaskKey{JobName: "a", ShardIndex: 1}))
	require.NoError(t, fx.facade.misfired.Add(ctx, "a"))
	require.NoError(t, fx.facade.ready.AddTransient(ctx, "a"))
	// b: misfired and ready.
	require.NoError(t, fx.facade.misfired.Add(ctx, "b"))
	require.NoError(t, fx.facade.ready.AddTransient(ctx, "b"))
	// c: ready only.
	require.NoError(t, fx.facade.ready.AddTransient(ctx, "c"))
}

func TestEligibleJobContexts_PriorityExclusion(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seed(t, ctx)

	got, err := fx.facade.EligibleJobContexts(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "a", got[0].Job.Name)
	assert.Equal(t, model.ReasonFailover, got[0].Reason)
	assert.Equal(t, []int{1}, got[0].ShardIndices)

	assert.Equal(t, "b", got[1].Job.Name)
	assert.Equal(t, model.ReasonMisfired, got[1].Reason)

	assert.Equal(t, "c", got[2].Job.Name)
	assert.Equal(t, model.ReasonReady, got[2].Reason)
	assert.Equal(t, []int{0, 1}, got[2].ShardIndices)
}

func TestReleaseLaunched_NoDoubleLaunch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seed(t, ctx)

	first, err := fx.facade.EligibleJobContexts(ctx)
	require.NoError(t, err)

	var launched []model.TaskContext
	for _, jc := range first {
		for _, shard := range jc.ShardIndices {
			launched = append(launched, model.TaskContext{
				JobName: jc.Job.Name, ShardIndex: shard, Reason: jc.Reason, AgentID: "agent", Seq: 1,
			})
		}
	}
	require.NoError(t, fx.facade.ReleaseLaunched(ctx, launched))

	second, err := fx.facade.EligibleJobContexts(ctx)
	require.NoError(t, err)
	for _, jc := range second {
		for _, prev := range first {
			if jc.Job.Name == prev.Job.Name && jc.Reason == prev.Reason {
				t.Errorf("context %s/%s returned again after release", jc.Job.Name, jc.Reason)
			}
		}
	}

	// a still has misfired and ready entries; they surface once its
	// failover work is gone.
	require.Len(t, second, 2)
	assert.Equal(t, "a", second[0].Job.Name)
	assert.Equal(t, model.ReasonMisfired, second[0].Reason)
	assert.Equal(t, "b", second[1].Job.Name)
	assert.Equal(t, model.ReasonReady, second[1].Reason)

	snap, err := fx.facade.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Failover)
	assert.Equal(t, []string{"a"}, snap.Misfired)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, snap.Ready)
}

func TestStart_ClearsRunningAndArmsListener(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.facade.listener.applied = make(chan JobChange, 16)

	require.NoError(t, fx.jobs.Put(ctx, daemonJob("d1")))
	require.NoError(t, fx.facade.AddRunning(ctx, model.TaskContext{JobName: "stale", ShardIndex: 0, Reason: model.ReasonReady}))

	require.NoError(t, fx.facade.Start(ctx))
	require.NoError(t, fx.facade.Start(ctx), "re-arming is a no-op")

	snap, err := fx.facade.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Running)
	assert.Equal(t, map[string]int{"d1": 1}, snap.Ready, "bootstrap arms existing daemon jobs")
	waitChange(t, fx.facade.listener.applied, "d1")

	require.NoError(t, fx.jobs.Put(ctx, daemonJob("d2")))
	waitChange(t, fx.facade.listener.applied, "d2")
	n, err := fx.facade.ready.Times(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, fx.jobs.Put(ctx, transientJob("t1")))
	waitChange(t, fx.facade.listener.applied, "t1")
	schedules := fx.facade.Schedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, "t1", schedules[0].Job)

	require.NoError(t, fx.jobs.Delete(ctx, "t1"))
	waitChange(t, fx.facade.listener.applied, "t1")
	assert.Empty(t, fx.facade.Schedules())
}

func TestListener_MisfireDisabledCollapsesCounter(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.facade.listener.applied = make(chan JobChange, 16)

	job := transientJob("t")
	require.NoError(t, fx.jobs.Put(ctx, job))
	for i := 0; i < 3; i++ {
		require.NoError(t, fx.facade.ready.AddTransient(ctx, "t"))
	}
	require.NoError(t, fx.facade.Start(ctx))
	waitChange(t, fx.facade.listener.applied, "t")

	job.Misfire = false
	require.NoError(t, fx.jobs.Put(ctx, job))
	waitChange(t, fx.facade.listener.applied, "t")

	n, err := fx.facade.ready.Times(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStop_ClearsRunning(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.facade.AddRunning(ctx, model.TaskContext{JobName: "j", ShardIndex: 0, Reason: model.ReasonReady}))
	require.NoError(t, fx.facade.Stop(ctx))

	snap, err := fx.facade.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Running)
}

func waitChange(t *testing.T, ch <-chan JobChange, name string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-ch:
			if c.Name == name {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for change of %s", name)
		}
	}
}
