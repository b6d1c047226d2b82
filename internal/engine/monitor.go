package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/cirro-hpc/cirro/internal/girder"
	"github.com/cirro-hpc/cirro/internal/queue"
	"github.com/cirro-hpc/cirro/internal/taskqueue"
	"github.com/cirro-hpc/cirro/internal/transport"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// escalateAfter is how many consecutive control-plane failures a retried
// task tolerates before moving its jobs to unexpectederror.
const escalateAfter = 10

// handleMonitor is one bounded polling tick: read persisted statuses, open
// one scoped connection, query the scheduler once for all jobs, run state
// transitions with their side effects, then re-enqueue itself while any
// job remains active. The persisted status is authoritative; a tick that
// finds terminated exits without action.
func (e *Engine) handleMonitor(ctx context.Context, t taskqueue.Task) error {
	var p monitorPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return err
	}

	active, err := e.liveJobIDs(ctx, p.JobIDs)
	if err != nil {
		return e.retryMonitor(ctx, p, err)
	}
	if len(active) == 0 {
		return nil
	}

	cluster, err := e.girder.GetCluster(ctx, p.ClusterID)
	if err != nil {
		return e.retryMonitor(ctx, p, err)
	}
	adapter, err := queue.New(cluster.SchedulerType())
	if err != nil {
		// Unknown scheduler type is a hard failure; retryMonitor marks the
		// cluster and surfaces it.
		return e.retryMonitor(ctx, p, err)
	}

	jobs := make([]*api.Job, 0, len(active))
	for _, id := range active {
		job, err := e.girder.GetJob(ctx, id)
		if err != nil {
			return e.retryMonitor(ctx, p, err)
		}
		jobs = append(jobs, job)
	}

	conn, err := e.connect(ctx, cluster)
	if err != nil {
		return e.retryMonitor(ctx, p, err)
	}
	defer conn.Close()

	statuses, err := queue.Statuses(ctx, conn, adapter, jobs)
	if err != nil {
		var pe *queue.ParseError
		if errors.As(err, &pe) {
			// Unknown token: keep current state, log and retry.
			e.log.Warn().Err(pe).Str("cluster", cluster.ID).Msg("scheduler state not recognized")
			return e.scheduleMonitor(ctx, monitorPayload{ClusterID: p.ClusterID, JobIDs: active}, e.interval)
		}
		return e.retryMonitor(ctx, p, err)
	}

	var remaining []string
	for _, job := range jobs {
		if err := e.advance(ctx, conn, cluster, job, statuses[job.ID]); err != nil {
			return e.retryMonitor(ctx, p, err)
		}
		if job.Status.Active() {
			remaining = append(remaining, job.ID)
		}
	}
	if len(remaining) == 0 {
		return nil
	}
	return e.scheduleMonitor(ctx, monitorPayload{ClusterID: p.ClusterID, JobIDs: remaining}, e.interval)
}

// advance applies one state-machine step for one job and runs the entry
// side effects. Transitions into the current state are no-ops apart from
// offset-based tailing.
func (e *Engine) advance(ctx context.Context, conn transport.Connection, cluster *api.Cluster, job *api.Job, st queue.Status) error {
	next := nextStatus(job.Status, st)
	switch next {
	case api.StatusQueued:
		return e.enterQueued(ctx, job)
	case api.StatusRunning:
		return e.enterRunning(ctx, conn, job)
	case api.StatusUploading:
		if job.Status == api.StatusUploading {
			// The upload subtask owns progress from here.
			return nil
		}
		return e.enterUploading(ctx, conn, job, cluster)
	case api.StatusError:
		if job.Status != api.StatusError {
			e.jobLog(ctx, job.ID, "error", "Scheduler reported job error")
		}
		return e.enterError(ctx, job, cluster)
	case api.StatusTerminated:
		return e.enterTerminated(ctx, job)
	default:
		return nil
	}
}

// liveJobIDs filters out jobs whose persisted status no longer needs this
// tick. The lightweight status read breaks ties between monitors.
func (e *Engine) liveJobIDs(ctx context.Context, ids []string) ([]string, error) {
	var live []string
	for _, id := range ids {
		status, err := e.girder.GetJobStatus(ctx, id)
		if err != nil {
			if girder.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if status.Terminal() || status == api.StatusUploading {
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// retryMonitor implements the tick retry policy: transient transport and
// control-plane errors re-enqueue with the same countdown; repeated
// control-plane failures escalate; anything else marks the cluster and
// surfaces the error.
func (e *Engine) retryMonitor(ctx context.Context, p monitorPayload, cause error) error {
	if transport.IsTransient(cause) {
		e.log.Warn().Err(cause).Str("cluster", p.ClusterID).Msg("monitor tick retrying after transport error")
		return e.scheduleMonitor(ctx, p, e.interval)
	}
	if isControlPlaneError(cause) {
		p.Attempts++
		if p.Attempts < escalateAfter {
			e.log.Warn().Err(cause).Str("cluster", p.ClusterID).Int("attempts", p.Attempts).Msg("monitor tick retrying after control-plane error")
			return e.scheduleMonitor(ctx, p, e.interval)
		}
		for _, id := range p.JobIDs {
			job := &api.Job{ID: id}
			e.enterUnexpectedError(ctx, job, fmt.Errorf("control plane unavailable: %w", cause))
		}
		return cause
	}
	e.log.Error().Err(cause).Str("cluster", p.ClusterID).Msg("monitor tick failed")
	if err := e.girder.PatchCluster(ctx, p.ClusterID, map[string]any{"status": "error"}); err != nil {
		e.log.Error().Err(err).Str("cluster", p.ClusterID).Msg("patch cluster status failed")
	}
	return cause
}

func isControlPlaneError(err error) bool {
	var he *girder.HTTPError
	if errors.As(err, &he) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// escalateRetry counts consecutive control-plane failures in the task's
// attempts field and re-enqueues until the threshold, then moves the job to
// unexpectederror and surfaces the cause. The count rides in the payload so
// it survives broker redelivery; monitor ticks track it in a typed field
// instead because they carry several jobs.
func (e *Engine) escalateRetry(ctx context.Context, t taskqueue.Task, jobID string, cause error) error {
	var fields map[string]any
	if err := json.Unmarshal(t.Payload, &fields); err != nil {
		return err
	}
	attempts, _ := fields["attempts"].(float64)
	n := int(attempts) + 1
	if n >= escalateAfter {
		e.enterUnexpectedError(ctx, &api.Job{ID: jobID}, fmt.Errorf("control plane unavailable: %w", cause))
		return cause
	}
	fields["attempts"] = n
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	next := delayed(t, e.interval)
	next.Payload = payload
	return e.broker.Enqueue(ctx, next)
}
