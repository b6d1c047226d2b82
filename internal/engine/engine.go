// Package engine drives submitted jobs from creation through queueing,
// running, output upload and terminal states. The control plane owns all
// persistent state; the engine holds only the active task schedule and
// per-tick connections.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cirro-hpc/cirro/internal/girder"
	"github.com/cirro-hpc/cirro/internal/taskqueue"
	"github.com/cirro-hpc/cirro/internal/transport"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// Task kinds handled by the engine.
const (
	TaskSubmitJob        = "job.submit"
	TaskStageItems       = "job.stageitems"
	TaskLaunchJob        = "job.launch"
	TaskMonitorJobs      = "job.monitor"
	TaskUploadOutput     = "job.upload"
	TaskUploadItems      = "job.uploaditems"
	TaskFinalizeJob      = "job.finalize"
	TaskTerminateJob     = "job.terminate"
	TaskMonitorProcess   = "proc.monitor"
	TaskTerminateCluster = "cluster.terminate"
)

// ConnectFunc acquires a scoped connection to a cluster's head node.
type ConnectFunc func(ctx context.Context, cluster *api.Cluster) (transport.Connection, error)

// Engine wires the control-plane client, the task broker and the transport
// together and owns every task handler.
type Engine struct {
	girder  *girder.Client
	broker  taskqueue.Broker
	connect ConnectFunc
	// countdown between monitor ticks.
	interval time.Duration
	baseURL  string
	log      zerolog.Logger
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithInterval overrides the 5 s monitor countdown.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

func New(g *girder.Client, broker taskqueue.Broker, connect ConnectFunc, baseURL string, opts ...Option) *Engine {
	e := &Engine{
		girder:   g,
		broker:   broker,
		connect:  connect,
		interval: 5 * time.Second,
		baseURL:  baseURL,
		log:      log.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs the engine's handlers on a worker.
func (e *Engine) Register(w *taskqueue.Worker) {
	w.Handle(TaskSubmitJob, e.handleSubmit)
	w.Handle(TaskStageItems, e.handleStageItems)
	w.Handle(TaskLaunchJob, e.handleLaunch)
	w.Handle(TaskMonitorJobs, e.handleMonitor)
	w.Handle(TaskUploadOutput, e.handleUpload)
	w.Handle(TaskUploadItems, e.handleUploadItems)
	w.Handle(TaskFinalizeJob, e.handleFinalize)
	w.Handle(TaskTerminateJob, e.handleTerminate)
	w.Handle(TaskMonitorProcess, e.handleMonitorProcess)
	w.Handle(TaskTerminateCluster, e.handleTerminateCluster)
}

// jobRef identifies one (cluster, job) pair in a task payload.
type jobRef struct {
	ClusterID string `json:"clusterId"`
	JobID     string `json:"jobId"`
}

// stagePayload walks item-form inputs or outputs one index at a time; each
// background helper's completion continues at the next index.
type stagePayload struct {
	jobRef
	Index int `json:"index"`
}

// monitorPayload is one polling tick for a set of jobs on one cluster.
type monitorPayload struct {
	ClusterID string   `json:"clusterId"`
	JobIDs    []string `json:"jobIds"`
	// Attempts counts consecutive control-plane failures for escalation.
	Attempts int `json:"attempts,omitempty"`
}

// nextTask is a continuation fired when a background process exits cleanly.
type nextTask struct {
	Queue   string          `json:"queue"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// procPayload is one background-process monitor tick.
type procPayload struct {
	jobRef
	PID       string    `json:"pid"`
	NohupPath string    `json:"nohupPath"`
	Next      *nextTask `json:"next,omitempty"`
}

// SubmitJob enqueues the command task that stages and submits a job.
func (e *Engine) SubmitJob(ctx context.Context, clusterID, jobID string) error {
	return e.enqueue(ctx, taskqueue.QueueCommand, TaskSubmitJob, jobRef{ClusterID: clusterID, JobID: jobID}, 0)
}

// TerminateJob enqueues the idempotent cancel task for a job.
func (e *Engine) TerminateJob(ctx context.Context, clusterID, jobID string) error {
	return e.enqueue(ctx, taskqueue.QueueCommand, TaskTerminateJob, jobRef{ClusterID: clusterID, JobID: jobID}, 0)
}

func (e *Engine) enqueue(ctx context.Context, queue, kind string, payload any, delay time.Duration) error {
	t, err := taskqueue.NewTask(queue, kind, payload)
	if err != nil {
		return err
	}
	if delay > 0 {
		t.NotBefore = time.Now().Add(delay)
	}
	return e.broker.Enqueue(ctx, t)
}

// scheduleMonitor enqueues the next polling tick for the given jobs.
func (e *Engine) scheduleMonitor(ctx context.Context, p monitorPayload, delay time.Duration) error {
	return e.enqueue(ctx, taskqueue.QueueMonitor, TaskMonitorJobs, p, delay)
}

// jobLog appends a log record to the job; failures are logged locally and
// otherwise ignored so logging never fails a tick.
func (e *Engine) jobLog(ctx context.Context, jobID, level, msg string) {
	if err := e.girder.AppendJobLog(ctx, jobID, api.LogEntry{Level: level, Message: msg}); err != nil {
		e.log.Warn().Err(err).Str("job", jobID).Msg("append job log failed")
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
