package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cirro-hpc/cirro/internal/queue"
	"github.com/cirro-hpc/cirro/internal/taskqueue"
	"github.com/cirro-hpc/cirro/internal/transport"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// handleTerminate cancels a job on user request. A job that reached the
// scheduler moves to terminating and is cancelled; the monitor settles it
// to terminated once it leaves the queue. A job with no scheduler record
// goes straight to terminated. The handler is idempotent: terminal jobs
// are left alone and a repeated cancel is harmless.
func (e *Engine) handleTerminate(ctx context.Context, t taskqueue.Task) error {
	var ref jobRef
	if err := json.Unmarshal(t.Payload, &ref); err != nil {
		return err
	}
	cluster, job, err := e.fetch(ctx, ref)
	if err != nil {
		if transport.IsTransient(err) {
			e.log.Warn().Err(err).Str("job", ref.JobID).Msg("terminate retrying")
			return e.broker.Enqueue(ctx, delayed(t, e.interval))
		}
		if isControlPlaneError(err) {
			e.log.Warn().Err(err).Str("job", ref.JobID).Msg("terminate retrying after control-plane error")
			return e.escalateRetry(ctx, t, ref.JobID, err)
		}
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if job.QueueJobID == "" {
		// Never reached the scheduler; nothing to cancel.
		return e.enterTerminated(ctx, job)
	}

	if job.Status != api.StatusTerminating {
		if err := e.girder.PatchJob(ctx, job.ID, map[string]any{"status": api.StatusTerminating}); err != nil {
			return err
		}
		job.Status = api.StatusTerminating
		e.jobLog(ctx, job.ID, "info", "Terminating job")
	}

	conn, err := e.connect(ctx, cluster)
	if err != nil {
		e.log.Warn().Err(err).Str("job", job.ID).Msg("terminate retrying after connect failure")
		return e.broker.Enqueue(ctx, delayed(t, e.interval))
	}
	defer conn.Close()

	adapter, err := queue.New(cluster.SchedulerType())
	if err != nil {
		return err
	}
	if _, err := queue.Terminate(ctx, conn, adapter, job); err != nil {
		return e.broker.Enqueue(ctx, delayed(t, e.interval))
	}

	if len(job.OnTerminate.Commands) > 0 {
		if err := e.runOnTerminate(ctx, conn, cluster, job); err != nil {
			e.jobLog(ctx, job.ID, "error", fmt.Sprintf("onTerminate failed: %s", err))
		}
	}

	// The monitor settles terminating to terminated once the job is gone.
	return e.scheduleMonitor(ctx, monitorPayload{ClusterID: cluster.ID, JobIDs: []string{job.ID}}, 0)
}

// runOnTerminate renders the job's cleanup commands and runs them as a
// background helper. No continuation: the cleanup outcome only shows up in
// the job log if it writes output.
func (e *Engine) runOnTerminate(ctx context.Context, conn transport.Connection, cluster *api.Cluster, job *api.Job) error {
	data := queue.TemplateData(job, cluster, e.baseURL)
	lines := make([]string, 0, len(job.OnTerminate.Commands)+1)
	lines = append(lines, "#!/bin/sh")
	for _, cmd := range job.OnTerminate.Commands {
		rendered, err := queue.Render(cmd, data)
		if err != nil {
			return err
		}
		lines = append(lines, queue.SubstituteIO(rendered, job))
	}
	script := strings.Join(lines, "\n") + "\n"
	name := fmt.Sprintf("terminate-%s.sh", job.ID)
	return e.startBackground(ctx, conn, cluster, job, name, script, nil)
}
