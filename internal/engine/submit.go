package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/cirro-hpc/cirro/internal/queue"
	"github.com/cirro-hpc/cirro/internal/taskqueue"
	"github.com/cirro-hpc/cirro/internal/transport"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// handleSubmit creates the job directory, stages folder inputs and then
// either proceeds straight to launch or walks item-form inputs through the
// background-process monitor first. Staging failures are not retried in
// place; the job must be resubmitted.
func (e *Engine) handleSubmit(ctx context.Context, t taskqueue.Task) error {
	var ref jobRef
	if err := json.Unmarshal(t.Payload, &ref); err != nil {
		return err
	}
	cluster, job, err := e.fetch(ctx, ref)
	if err != nil {
		return err
	}
	if cluster.Status != "running" {
		e.enterUnexpectedError(ctx, job, fmt.Errorf("cluster %s is %q, not accepting jobs", cluster.ID, cluster.Status))
		return nil
	}

	conn, err := e.connect(ctx, cluster)
	if err != nil {
		e.enterUnexpectedError(ctx, job, err)
		return nil
	}
	defer conn.Close()

	job.Dir = jobDir(job, cluster)
	if err := conn.Makedirs(job.Dir); err != nil {
		e.enterUnexpectedError(ctx, job, err)
		return nil
	}
	if err := e.girder.PatchJob(ctx, job.ID, map[string]any{"dir": job.Dir}); err != nil {
		return err
	}
	e.jobLog(ctx, job.ID, "info", "Starting job submission")

	if err := e.stageFolderInputs(ctx, conn, job); err != nil {
		e.enterUnexpectedError(ctx, job, fmt.Errorf("input staging: %w", err))
		return nil
	}

	if hasItemInput(job) {
		return e.stageItemAt(ctx, conn, cluster, job, 0)
	}
	return e.launch(ctx, conn, cluster, job)
}

// handleStageItems continues item-form input staging at the given index
// after the previous helper finished.
func (e *Engine) handleStageItems(ctx context.Context, t taskqueue.Task) error {
	var p stagePayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return err
	}
	cluster, job, err := e.fetch(ctx, p.jobRef)
	if err != nil {
		return err
	}
	conn, err := e.connect(ctx, cluster)
	if err != nil {
		e.enterUnexpectedError(ctx, job, err)
		return nil
	}
	defer conn.Close()
	return e.stageItemAt(ctx, conn, cluster, job, p.Index)
}

// stageItemAt launches the helper for the next item-form input at or after
// index, or proceeds to launch when none remain.
func (e *Engine) stageItemAt(ctx context.Context, conn transport.Connection, cluster *api.Cluster, job *api.Job, index int) error {
	for i := index; i < len(job.Input); i++ {
		in := job.Input[i]
		if in.ItemID == "" {
			continue
		}
		next, err := json.Marshal(stagePayload{jobRef: jobRef{ClusterID: cluster.ID, JobID: job.ID}, Index: i + 1})
		if err != nil {
			return err
		}
		err = e.startItemHelper(ctx, conn, cluster, job, in, &nextTask{
			Queue:   taskqueue.QueueCommand,
			Kind:    TaskStageItems,
			Payload: next,
		})
		if err != nil {
			e.enterUnexpectedError(ctx, job, fmt.Errorf("input staging: %w", err))
		}
		return nil
	}
	return e.launch(ctx, conn, cluster, job)
}

// handleLaunch renders, uploads and submits the job script. Reached as a
// continuation when staging ran through the background monitor.
func (e *Engine) handleLaunch(ctx context.Context, t taskqueue.Task) error {
	var ref jobRef
	if err := json.Unmarshal(t.Payload, &ref); err != nil {
		return err
	}
	cluster, job, err := e.fetch(ctx, ref)
	if err != nil {
		return err
	}
	conn, err := e.connect(ctx, cluster)
	if err != nil {
		e.enterUnexpectedError(ctx, job, err)
		return nil
	}
	defer conn.Close()
	return e.launch(ctx, conn, cluster, job)
}

// launch submits the job to the scheduler and schedules the first monitor
// tick.
func (e *Engine) launch(ctx context.Context, conn transport.Connection, cluster *api.Cluster, job *api.Job) error {
	adapter, err := queue.New(cluster.SchedulerType())
	if err != nil {
		e.enterUnexpectedError(ctx, job, err)
		return nil
	}

	if err := e.resolveSlots(ctx, conn, adapter, cluster, job); err != nil {
		e.enterUnexpectedError(ctx, job, err)
		return nil
	}

	script, err := queue.RenderScript(adapter, job, cluster, e.baseURL)
	if err != nil {
		e.enterUnexpectedError(ctx, job, fmt.Errorf("render script: %w", err))
		return nil
	}
	scriptPath := path.Join(job.Dir, job.ScriptName())
	if err := conn.Put(scriptPath, strings.NewReader(script)); err != nil {
		e.enterUnexpectedError(ctx, job, err)
		return nil
	}

	queueJobID, err := queue.Submit(ctx, conn, adapter, job)
	if err != nil {
		e.enterUnexpectedError(ctx, job, err)
		return err
	}
	job.QueueJobID = queueJobID
	job.QueuedTime = nowMillis()
	patch := map[string]any{
		"status":     api.StatusQueued,
		"queueJobId": queueJobID,
		"queuedTime": job.QueuedTime,
	}
	if err := e.girder.PatchJob(ctx, job.ID, patch); err != nil {
		return err
	}
	job.Status = api.StatusQueued
	e.jobLog(ctx, job.ID, "info", fmt.Sprintf("Submitted to %s as job %s", adapter.Name(), queueJobID))

	return e.scheduleMonitor(ctx, monitorPayload{ClusterID: cluster.ID, JobIDs: []string{job.ID}}, 0)
}

// resolveSlots fills numberOfSlots from the scheduler's parallel-environment
// configuration when unspecified (SGE only) and persists the result.
func (e *Engine) resolveSlots(ctx context.Context, conn transport.Connection, adapter queue.Adapter, cluster *api.Cluster, job *api.Job) error {
	if job.Params.NumberOfSlots != nil || cluster.Config.Params.NumberOfSlots != nil {
		return nil
	}
	sq, ok := adapter.(queue.SlotQuerier)
	if !ok {
		return nil
	}
	env := job.Params.ParallelEnvironment
	if env == "" {
		env = cluster.Config.Params.ParallelEnvironment
	}
	if env == "" && cluster.Type == api.ClusterEC2 {
		env = "orte"
	}
	if env == "" {
		return nil
	}
	slots, err := sq.QuerySlots(ctx, conn, env)
	if err != nil {
		return err
	}
	job.Params.NumberOfSlots = &slots
	return e.girder.PatchJob(ctx, job.ID, map[string]any{"params": job.Params})
}

func (e *Engine) fetch(ctx context.Context, ref jobRef) (*api.Cluster, *api.Job, error) {
	cluster, err := e.girder.GetCluster(ctx, ref.ClusterID)
	if err != nil {
		return nil, nil, err
	}
	job, err := e.girder.GetJob(ctx, ref.JobID)
	if err != nil {
		return nil, nil, err
	}
	return cluster, job, nil
}

// jobDir resolves the job's working directory: job params win over the
// cluster's base path, defaulting under the remote user's home.
func jobDir(job *api.Job, cluster *api.Cluster) string {
	base := job.Params.JobOutputDir
	if base == "" {
		base = cluster.Config.JobOutputDir
	}
	if base == "" {
		base = "jobs"
	}
	return path.Join(base, job.ID)
}

func hasItemInput(job *api.Job) bool {
	for _, in := range job.Input {
		if in.ItemID != "" {
			return true
		}
	}
	return false
}
