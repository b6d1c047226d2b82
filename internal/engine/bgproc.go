package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cirro-hpc/cirro/internal/taskqueue"
	"github.com/cirro-hpc/cirro/internal/transport"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// handleMonitorProcess is one tick of the background-process monitor. While
// the process is alive the tick re-enqueues itself; once it exits, any
// nohup output fails the job and a clean exit fires the continuation.
func (e *Engine) handleMonitorProcess(ctx context.Context, t taskqueue.Task) error {
	var p procPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return err
	}

	// A terminated job no longer cares about its helpers.
	status, err := e.girder.GetJobStatus(ctx, p.JobID)
	if err != nil {
		return e.retryProc(ctx, t, p, err)
	}
	if status == api.StatusTerminated {
		return nil
	}

	cluster, err := e.girder.GetCluster(ctx, p.ClusterID)
	if err != nil {
		return e.retryProc(ctx, t, p, err)
	}
	conn, err := e.connect(ctx, cluster)
	if err != nil {
		return e.retryProc(ctx, t, p, err)
	}
	defer conn.Close()

	// Non-zero exit from grep just means the process is gone.
	lines, err := conn.Execute(ctx, fmt.Sprintf("ps %s | grep %s", p.PID, p.PID), true)
	if err != nil {
		return e.retryProc(ctx, t, p, err)
	}
	if len(lines) > 0 {
		return e.broker.Enqueue(ctx, delayed(t, e.interval))
	}

	output, err := e.readNohup(conn, p.NohupPath)
	if err != nil {
		return e.retryProc(ctx, t, p, err)
	}
	if output != "" {
		// Any output at all is evidence of failure.
		job, err := e.girder.GetJob(ctx, p.JobID)
		if err != nil {
			return err
		}
		e.jobLog(ctx, job.ID, "error", fmt.Sprintf("Background process wrote output: %s", output))
		return e.enterError(ctx, job, cluster)
	}
	if p.Next != nil {
		return e.broker.Enqueue(ctx, taskqueue.Task{
			ID:      t.ID + ":next",
			Queue:   p.Next.Queue,
			Kind:    p.Next.Kind,
			Payload: p.Next.Payload,
		})
	}
	return nil
}

func (e *Engine) readNohup(conn transport.Connection, path string) (string, error) {
	exists, err := conn.IsFile(path)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", nil
	}
	rc, err := conn.Get(path)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// retryProc re-enqueues the tick for transient failures, escalates repeated
// control-plane failures, and surfaces everything else.
func (e *Engine) retryProc(ctx context.Context, t taskqueue.Task, p procPayload, cause error) error {
	if transport.IsTransient(cause) {
		e.log.Warn().Err(cause).Str("job", p.JobID).Msg("process monitor retrying")
		return e.broker.Enqueue(ctx, delayed(t, e.interval))
	}
	if isControlPlaneError(cause) {
		e.log.Warn().Err(cause).Str("job", p.JobID).Msg("process monitor retrying after control-plane error")
		return e.escalateRetry(ctx, t, p.JobID, cause)
	}
	return cause
}

// delayed clones a task for redelivery after the countdown. The clone gets
// a fresh id; the original is acked by the worker.
func delayed(t taskqueue.Task, countdown time.Duration) taskqueue.Task {
	return taskqueue.Task{
		ID:        uuid.NewString(),
		Queue:     t.Queue,
		Kind:      t.Kind,
		Payload:   t.Payload,
		NotBefore: time.Now().Add(countdown),
	}
}
