package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/shardsched/internal/resource"
	"github.com/me/shardsched/pkg/model"
)

func contextFor(name string, reason model.ExecutionReason, cpu, mem float64, shards ...int) model.JobContext {
	return model.JobContext{
		Job:          model.JobDefinition{Name: name, CPU: cpu, MemoryMB: mem, ShardCount: len(shards)},
		Reason:       reason,
		ShardIndices: shards,
	}
}

func countTasks(plans []offerPlan) int {
	n := 0
	for _, p := range plans {
		n += len(p.tasks)
	}
	return n
}

func TestPack_FirstFit(t *testing.T) {
	offers := []resource.Offer{
		{ID: "o0", AgentID: "a0", CPU: 2, MemoryMB: 1024},
		{ID: "o1", AgentID: "a1", CPU: 2, MemoryMB: 1024},
	}
	jcs := []model.JobContext{contextFor("j", model.ReasonFailover, 1, 128, 0, 1, 2)}

	plans := pack(jcs, offers, model.NewSequence(1))
	require.Len(t, plans, 2)
	assert.Len(t, plans[0].tasks, 2)
	assert.Len(t, plans[1].tasks, 1)
	assert.Equal(t, "a1", plans[1].tasks[0].AgentID)
	assert.Equal(t, 2, plans[1].tasks[0].ShardIndex)
}

func TestPack_FailoverMayPlacePartially(t *testing.T) {
	offers := []resource.Offer{{ID: "o0", AgentID: "a0", CPU: 1, MemoryMB: 1024}}
	jcs := []model.JobContext{contextFor("j", model.ReasonFailover, 1, 128, 3, 4)}

	plans := pack(jcs, offers, model.NewSequence(1))
	require.Len(t, plans[0].tasks, 1)
	assert.Equal(t, 3, plans[0].tasks[0].ShardIndex)
}

func TestPack_ReadyJobIsAllOrNothing(t *testing.T) {
	offers := []resource.Offer{{ID: "o0", AgentID: "a0", CPU: 3, MemoryMB: 1024}}
	jcs := []model.JobContext{
		contextFor("big", model.ReasonReady, 1, 128, 0, 1, 2, 3),
		contextFor("small", model.ReasonMisfired, 1, 128, 0, 1),
	}

	plans := pack(jcs, offers, model.NewSequence(1))
	require.Len(t, plans[0].tasks, 2)
	for _, tc := range plans[0].tasks {
		assert.Equal(t, "small", tc.JobName)
	}
}

func TestPack_SkipsOversizedShards(t *testing.T) {
	offers := []resource.Offer{{ID: "o0", AgentID: "a0", CPU: 4, MemoryMB: 64}}
	jcs := []model.JobContext{contextFor("j", model.ReasonFailover, 1, 128, 0)}

	plans := pack(jcs, offers, model.NewSequence(1))
	assert.Equal(t, 0, countTasks(plans))
}

func TestPack_FractionalCPU(t *testing.T) {
	offers := []resource.Offer{{ID: "o0", AgentID: "a0", CPU: 0.3, MemoryMB: 1024}}
	jcs := []model.JobContext{contextFor("j", model.ReasonFailover, 0.1, 1, 0, 1, 2)}

	plans := pack(jcs, offers, model.NewSequence(1))
	assert.Equal(t, 3, countTasks(plans))
}

func TestPack_AssignsDistinctCounters(t *testing.T) {
	offers := []resource.Offer{{ID: "o0", AgentID: "a0", CPU: 10, MemoryMB: 10240}}
	jcs := []model.JobContext{contextFor("j", model.ReasonFailover, 1, 128, 0, 1, 2)}

	plans := pack(jcs, offers, model.NewSequence(7))
	seen := make(map[uint64]bool)
	for _, tc := range plans[0].tasks {
		assert.False(t, seen[tc.Seq], "duplicate counter %d", tc.Seq)
		seen[tc.Seq] = true
	}
	assert.Equal(t, plans[0].tasks[0].ID(), plans[0].infos[0].TaskID)
	assert.Equal(t, uint64(7), plans[0].tasks[0].Seq)
}

func TestTaskInfo_Env(t *testing.T) {
	j := &model.JobDefinition{Name: "j", AppName: "app", CPU: 1, MemoryMB: 128, ShardCount: 4, Command: "echo hi"}
	tc := model.TaskContext{JobName: "j", ShardIndex: 2, Reason: model.ReasonMisfired, AgentID: "a0", Seq: 3}

	info := taskInfo(j, tc)
	assert.Equal(t, "echo hi", info.Command)
	assert.Equal(t, "2", info.Env["SHARDSCHED_SHARD"])
	assert.Equal(t, "4", info.Env["SHARDSCHED_SHARD_COUNT"])
	assert.Equal(t, "MISFIRED", info.Env["SHARDSCHED_REASON"])
	assert.Equal(t, "j@-@2", info.Name)
}
