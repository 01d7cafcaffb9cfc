package scheduler

import (
	"strconv"

	"github.com/me/shardsched/internal/resource"
	"github.com/me/shardsched/pkg/model"
)

// epsilon absorbs float rounding when fractional CPU shares are deducted.
const epsilon = 1e-9

// offerPlan is the set of tasks accepted into one offer.
type offerPlan struct {
	offer resource.Offer
	tasks []model.TaskContext
	infos []resource.TaskInfo
}

// pack assigns shards to offers greedily: offers in order, contexts in
// priority order, shards in order, each shard into the first offer with
// enough CPU and memory left.
//
// READY and MISFIRED contexts are released by job name, so the first job
// whose eligible shards do not all fit is withdrawn from the whole pass and
// packing restarts without it. FAILOVER contexts are released per shard and
// may be placed partially.
func pack(contexts []model.JobContext, offers []resource.Offer, seq *model.Sequence) []offerPlan {
	withdrawn := make(map[string]bool)
	for {
		assigned, total, plans := packOnce(contexts, offers, withdrawn)
		violator := ""
		for _, jc := range contexts {
			if jc.Reason == model.ReasonFailover || withdrawn[jc.Job.Name] {
				continue
			}
			if assigned[jc.Job.Name] < total[jc.Job.Name] {
				violator = jc.Job.Name
				break
			}
		}
		if violator == "" {
			return finalize(offers, plans, seq)
		}
		withdrawn[violator] = true
	}
}

type placement struct {
	jc    *model.JobContext
	shard int
}

func packOnce(contexts []model.JobContext, offers []resource.Offer, withdrawn map[string]bool) (map[string]int, map[string]int, [][]placement) {
	assigned := make(map[string]int)
	total := make(map[string]int)
	claimed := make(map[model.TaskKey]bool)
	plans := make([][]placement, len(offers))

	remCPU := make([]float64, len(offers))
	remMem := make([]float64, len(offers))
	for i, o := range offers {
		remCPU[i], remMem[i] = o.CPU, o.MemoryMB
	}

	for ci := range contexts {
		jc := &contexts[ci]
		if withdrawn[jc.Job.Name] {
			continue
		}
		for _, shard := range jc.ShardIndices {
			key := model.TaskKey{JobName: jc.Job.Name, ShardIndex: shard}
			if claimed[key] {
				continue
			}
			total[jc.Job.Name]++
			for i := range offers {
				if remCPU[i]+epsilon < jc.Job.CPU || remMem[i]+epsilon < jc.Job.MemoryMB {
					continue
				}
				remCPU[i] -= jc.Job.CPU
				remMem[i] -= jc.Job.MemoryMB
				claimed[key] = true
				assigned[jc.Job.Name]++
				plans[i] = append(plans[i], placement{jc: jc, shard: shard})
				break
			}
		}
	}
	return assigned, total, plans
}

func finalize(offers []resource.Offer, placements [][]placement, seq *model.Sequence) []offerPlan {
	out := make([]offerPlan, len(offers))
	for i, offer := range offers {
		out[i].offer = offer
		for _, p := range placements[i] {
			tc := model.TaskContext{
				JobName:    p.jc.Job.Name,
				ShardIndex: p.shard,
				Reason:     p.jc.Reason,
				AgentID:    offer.AgentID,
				Seq:        seq.Next(),
			}
			out[i].tasks = append(out[i].tasks, tc)
			out[i].infos = append(out[i].infos, taskInfo(&p.jc.Job, tc))
		}
	}
	return out
}

// taskInfo builds the launch request of tc.
func taskInfo(job *model.JobDefinition, tc model.TaskContext) resource.TaskInfo {
	return resource.TaskInfo{
		TaskID:   tc.ID(),
		Name:     tc.Key().String(),
		AgentID:  tc.AgentID,
		CPU:      job.CPU,
		MemoryMB: job.MemoryMB,
		Command:  job.Command,
		Env: map[string]string{
			"SHARDSCHED_JOB":         job.Name,
			"SHARDSCHED_APP":         job.AppName,
			"SHARDSCHED_SHARD":       strconv.Itoa(tc.ShardIndex),
			"SHARDSCHED_SHARD_COUNT": strconv.Itoa(job.ShardCount),
			"SHARDSCHED_REASON":      tc.Reason.String(),
			"SHARDSCHED_TASK_ID":     tc.ID(),
		},
	}
}
