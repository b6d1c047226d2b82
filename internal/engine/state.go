package engine

import (
	"bufio"
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/cirro-hpc/cirro/internal/queue"
	"github.com/cirro-hpc/cirro/internal/taskqueue"
	"github.com/cirro-hpc/cirro/internal/transport"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// nextStatus is the single authority on job transitions, indexed by the
// current persisted status and the scheduler-reported state at poll time.
// Absence from the queue means completed or purged.
func nextStatus(current api.JobStatus, st queue.Status) api.JobStatus {
	if !st.Present {
		switch current {
		case api.StatusCreated, api.StatusQueued, api.StatusRunning:
			return api.StatusUploading
		case api.StatusTerminating:
			return api.StatusTerminated
		default:
			return current
		}
	}
	switch current {
	case api.StatusCreated, api.StatusQueued:
		switch st.State {
		case api.QueueRunning:
			return api.StatusRunning
		case api.QueueQueued:
			return api.StatusQueued
		case api.QueueComplete:
			return api.StatusUploading
		case api.QueueError:
			return api.StatusError
		}
	case api.StatusRunning:
		switch st.State {
		case api.QueueRunning, api.QueueQueued:
			return api.StatusRunning
		case api.QueueComplete:
			return api.StatusUploading
		case api.QueueError:
			return api.StatusError
		}
	}
	// uploading, terminal states and terminating-with-record keep their
	// status; their progress is owned elsewhere.
	return current
}

// enterQueued records the transition into queued. Side-effect free beyond
// the status write.
func (e *Engine) enterQueued(ctx context.Context, job *api.Job) error {
	if job.Status == api.StatusQueued {
		return nil
	}
	job.Status = api.StatusQueued
	return e.girder.PatchJob(ctx, job.ID, map[string]any{"status": api.StatusQueued})
}

// enterRunning runs the first-time side effects (queued timing, running
// timestamp) and captures tails. Repeated observation is safe: the timing
// write is gated on runningTime and tailing is offset-based.
func (e *Engine) enterRunning(ctx context.Context, conn transport.Connection, job *api.Job) error {
	patch := map[string]any{}
	if job.Status != api.StatusRunning {
		patch["status"] = api.StatusRunning
	}
	if job.RunningTime == 0 {
		now := nowMillis()
		job.RunningTime = now
		patch["runningTime"] = now
		if job.QueuedTime > 0 {
			queued := now - job.QueuedTime
			job.Timings.Queued = &queued
			patch["timings"] = job.Timings
		}
	}
	if len(patch) > 0 {
		if err := e.girder.PatchJob(ctx, job.ID, patch); err != nil {
			return err
		}
		job.Status = api.StatusRunning
	}
	return e.captureTails(ctx, conn, job)
}

// captureTails appends newly-seen lines of tailed output files to their
// content, starting from the offset of previously-captured content. Files
// that do not yet exist are skipped.
func (e *Engine) captureTails(ctx context.Context, conn transport.Connection, job *api.Job) error {
	changed := false
	for i := range job.Output {
		out := &job.Output[i]
		if !out.Tail {
			continue
		}
		p := path.Join(job.Dir, queue.SubstituteIO(out.Path, job))
		exists, err := conn.IsFile(p)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		offset := len(out.Content)
		lines, err := conn.Execute(ctx, fmt.Sprintf("tail -n +%d %s", offset+1, p), true)
		if err != nil {
			return err
		}
		if len(lines) > 0 {
			out.Content = append(out.Content, lines...)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return e.girder.PatchJob(ctx, job.ID, map[string]any{"output": job.Output})
}

// enterUploading computes the running timing and either launches the
// output-upload subtask or short-circuits straight to complete.
func (e *Engine) enterUploading(ctx context.Context, conn transport.Connection, job *api.Job, cluster *api.Cluster) error {
	patch := map[string]any{"status": api.StatusUploading}
	if job.Timings.Running == nil && job.RunningTime > 0 {
		running := nowMillis() - job.RunningTime
		job.Timings.Running = &running
		patch["timings"] = job.Timings
	}
	upload := job.ShouldUploadOutput() && len(job.Output) > 0
	if upload {
		// Enqueue before the status write. The monitor drops uploading jobs,
		// so a crash after the patch but before the enqueue would strand the
		// job; a duplicate upload task from redelivery is harmless because
		// the handler skips files already present under the target.
		if err := e.enqueue(ctx, taskqueue.QueueCommand, TaskUploadOutput, jobRef{ClusterID: cluster.ID, JobID: job.ID}, 0); err != nil {
			return err
		}
	}
	if err := e.girder.PatchJob(ctx, job.ID, patch); err != nil {
		return err
	}
	job.Status = api.StatusUploading
	if !upload {
		return e.finalize(ctx, conn, job, cluster)
	}
	return nil
}

// finalize closes out a job that finished uploading: scan errorRegEx
// outputs, settle on complete or error, and fire onComplete actions.
func (e *Engine) finalize(ctx context.Context, conn transport.Connection, job *api.Job, cluster *api.Cluster) error {
	matched, line, err := e.scanOutputErrors(ctx, conn, job)
	if err != nil {
		return err
	}
	if matched {
		e.jobLog(ctx, job.ID, "error", fmt.Sprintf("Job output matched error pattern: %s", line))
		return e.enterError(ctx, job, cluster)
	}
	if job.Status != api.StatusComplete {
		if err := e.girder.PatchJob(ctx, job.ID, map[string]any{"status": api.StatusComplete}); err != nil {
			return err
		}
		job.Status = api.StatusComplete
		e.jobLog(ctx, job.ID, "info", "Job complete")
	}
	return e.fireOnComplete(ctx, job, cluster)
}

// scanOutputErrors fetches each output carrying an errorRegEx and scans it
// line by line; the first match wins.
func (e *Engine) scanOutputErrors(ctx context.Context, conn transport.Connection, job *api.Job) (bool, string, error) {
	for _, out := range job.Output {
		if out.ErrorRegEx == "" {
			continue
		}
		re, err := regexp.Compile(out.ErrorRegEx)
		if err != nil {
			return false, "", fmt.Errorf("compile errorRegEx %q: %w", out.ErrorRegEx, err)
		}
		p := path.Join(job.Dir, queue.SubstituteIO(out.Path, job))
		exists, err := conn.IsFile(p)
		if err != nil {
			return false, "", err
		}
		if !exists {
			continue
		}
		rc, err := conn.Get(p)
		if err != nil {
			return false, "", err
		}
		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			if re.MatchString(scanner.Text()) {
				line := scanner.Text()
				rc.Close()
				return true, strings.TrimSpace(line), nil
			}
		}
		err = scanner.Err()
		rc.Close()
		if err != nil {
			return false, "", fmt.Errorf("scan %s: %w", p, err)
		}
	}
	return false, "", nil
}

// enterError moves the job to error. onComplete.cluster still fires.
func (e *Engine) enterError(ctx context.Context, job *api.Job, cluster *api.Cluster) error {
	if job.Status != api.StatusError {
		if err := e.girder.PatchJob(ctx, job.ID, map[string]any{"status": api.StatusError}); err != nil {
			return err
		}
		job.Status = api.StatusError
	}
	return e.fireOnComplete(ctx, job, cluster)
}

// enterUnexpectedError records a logical failure the engine will not retry.
func (e *Engine) enterUnexpectedError(ctx context.Context, job *api.Job, cause error) {
	e.jobLog(ctx, job.ID, "error", cause.Error())
	if err := e.girder.PatchJob(ctx, job.ID, map[string]any{"status": api.StatusUnexpectedError}); err != nil {
		e.log.Error().Err(err).Str("job", job.ID).Msg("patch unexpectederror failed")
	}
	job.Status = api.StatusUnexpectedError
}

// enterTerminated records the terminal status once the job has left the
// queue after a terminate.
func (e *Engine) enterTerminated(ctx context.Context, job *api.Job) error {
	if job.Status == api.StatusTerminated {
		return nil
	}
	if err := e.girder.PatchJob(ctx, job.ID, map[string]any{"status": api.StatusTerminated}); err != nil {
		return err
	}
	job.Status = api.StatusTerminated
	e.jobLog(ctx, job.ID, "info", "Job terminated")
	return nil
}

// fireOnComplete enqueues post-terminal actions.
func (e *Engine) fireOnComplete(ctx context.Context, job *api.Job, cluster *api.Cluster) error {
	if job.OnComplete.Cluster != "terminate" {
		return nil
	}
	return e.enqueue(ctx, taskqueue.QueueCommand, TaskTerminateCluster, map[string]string{"clusterId": cluster.ID}, 0)
}
