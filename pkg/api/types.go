package api

import "fmt"

// Cluster types understood by the engine.
const (
	ClusterEC2         = "ec2"
	ClusterTraditional = "trad"
	ClusterNEWT        = "newt"
)

// JobStatus is the persisted lifecycle state of a job.
type JobStatus string

const (
	StatusCreated         JobStatus = "created"
	StatusQueued          JobStatus = "queued"
	StatusRunning         JobStatus = "running"
	StatusUploading       JobStatus = "uploading"
	StatusComplete        JobStatus = "complete"
	StatusError           JobStatus = "error"
	StatusUnexpectedError JobStatus = "unexpectederror"
	StatusTerminating     JobStatus = "terminating"
	StatusTerminated      JobStatus = "terminated"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusUnexpectedError, StatusTerminated:
		return true
	}
	return false
}

// Active reports whether the job still needs monitoring.
func (s JobStatus) Active() bool {
	switch s {
	case StatusCreated, StatusQueued, StatusRunning, StatusTerminating:
		return true
	}
	return false
}

// QueueState is the canonical scheduler-reported state, independent of the
// scheduler dialect. Absence from the queue is modelled separately.
type QueueState string

const (
	QueueRunning  QueueState = "running"
	QueueQueued   QueueState = "queued"
	QueueComplete QueueState = "complete"
	QueueError    QueueState = "error"
)

// SSHConfig locates the credentials for a cluster's head node.
type SSHConfig struct {
	User       string `json:"user,omitempty"`
	Key        string `json:"key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// SchedulerConfig names the batch scheduler running on a cluster.
type SchedulerConfig struct {
	Type string `json:"type,omitempty"`
}

// ClusterConfig is the connection and scheduler configuration of a cluster.
type ClusterConfig struct {
	Host         string          `json:"host,omitempty"`
	Port         int             `json:"port,omitempty"`
	SSH          SSHConfig       `json:"ssh,omitempty"`
	Scheduler    SchedulerConfig `json:"scheduler,omitempty"`
	JobOutputDir string          `json:"jobOutputDir,omitempty"`
	Params       Params          `json:"params,omitempty"`
	// Paths rewrites bare command names to absolute paths for transports
	// that require them (NEWT).
	Paths map[string]string `json:"paths,omitempty"`
	// NEWT session identifier for web-shell clusters.
	NewtSessionID string `json:"newtSessionId,omitempty"`
	// AssetStoreID names the control-plane assetstore that can register
	// imported files by remote path, when one exists.
	AssetStoreID string `json:"assetStoreId,omitempty"`
}

// Cluster is a remote compute environment. The engine only reads it; the
// control plane owns the record.
type Cluster struct {
	ID     string        `json:"_id"`
	Name   string        `json:"name"`
	Type   string        `json:"type"`
	Status string        `json:"status,omitempty"`
	Config ClusterConfig `json:"config,omitempty"`
}

// SchedulerType resolves the scheduler dialect, defaulting to SGE.
func (c *Cluster) SchedulerType() string {
	if c.Config.Scheduler.Type != "" {
		return c.Config.Scheduler.Type
	}
	return "sge"
}

// Input is a stage-in descriptor. Exactly one of FolderID or ItemID is set;
// Path is relative to the job directory.
type Input struct {
	FolderID string `json:"folderId,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Output is a stage-out descriptor.
type Output struct {
	FolderID   string   `json:"folderId,omitempty"`
	ItemID     string   `json:"itemId,omitempty"`
	Path       string   `json:"path,omitempty"`
	Include    []string `json:"include,omitempty"`
	Exclude    []string `json:"exclude,omitempty"`
	Tail       bool     `json:"tail,omitempty"`
	ErrorRegEx string   `json:"errorRegEx,omitempty"`
	// Content holds lines captured so far for tailed outputs; tailing is
	// offset-based so repeated capture never duplicates lines.
	Content []string `json:"content,omitempty"`
}

// Params are scheduler resource parameters. Pointers distinguish "unset"
// from zero so resolution can fall through job -> cluster -> adapter default.
type Params struct {
	NumberOfNodes        *int   `json:"numberOfNodes,omitempty"`
	NumberOfSlots        *int   `json:"numberOfSlots,omitempty"`
	NumberOfCoresPerNode *int   `json:"numberOfCoresPerNode,omitempty"`
	NumberOfGpusPerNode  *int   `json:"numberOfGpusPerNode,omitempty"`
	ParallelEnvironment  string `json:"parallelEnvironment,omitempty"`
	JobOutputDir         string `json:"jobOutputDir,omitempty"`
}

// Timings are derived durations in milliseconds.
type Timings struct {
	Queued  *int64 `json:"queued,omitempty"`
	Running *int64 `json:"running,omitempty"`
}

// OnComplete describes post-terminal actions.
type OnComplete struct {
	// Cluster may be "terminate" to tear the cluster down after the job
	// reaches a terminal state.
	Cluster string `json:"cluster,omitempty"`
}

// OnTerminate carries an optional cleanup script run when the user
// terminates the job.
type OnTerminate struct {
	Commands []string `json:"commands,omitempty"`
}

// Job is the central entity of the lifecycle engine. The control plane owns
// the authoritative record; the engine pushes every material change back
// before discarding its local copy.
type Job struct {
	ID          string    `json:"_id"`
	Name        string    `json:"name"`
	Status      JobStatus `json:"status,omitempty"`
	Commands    []string  `json:"commands,omitempty"`
	Input       []Input   `json:"input,omitempty"`
	Output      []Output  `json:"output,omitempty"`
	Params      Params    `json:"params,omitempty"`
	QueueJobID  string    `json:"queueJobId,omitempty"`
	Dir         string    `json:"dir,omitempty"`
	QueuedTime  int64     `json:"queuedTime,omitempty"`
	RunningTime int64     `json:"runningTime,omitempty"`
	Timings     Timings   `json:"timings,omitempty"`
	// UploadOutput defaults to true when absent.
	UploadOutput *bool       `json:"uploadOutput,omitempty"`
	OnComplete   OnComplete  `json:"onComplete,omitempty"`
	OnTerminate  OnTerminate `json:"onTerminate,omitempty"`
}

// ShouldUploadOutput reports whether output upload is enabled for the job.
func (j *Job) ShouldUploadOutput() bool {
	return j.UploadOutput == nil || *j.UploadOutput
}

// ScriptName is the submission script filename on the remote host. The name
// feeds the scheduler's default stdout/stderr naming, so it must not collide
// with input paths.
func (j *Job) ScriptName() string {
	return fmt.Sprintf("%s-%s.sh", j.Name, j.ID)
}

// StdoutName is the scheduler stdout file for the submitted script.
func (j *Job) StdoutName() string {
	return fmt.Sprintf("%s-%s.o%s", j.Name, j.ID, j.QueueJobID)
}

// StderrName is the scheduler stderr file for the submitted script.
func (j *Job) StderrName() string {
	return fmt.Sprintf("%s-%s.e%s", j.Name, j.ID, j.QueueJobID)
}

// LogEntry is an append-only log record on a job or cluster.
type LogEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// FileEntry describes one remote directory entry.
type FileEntry struct {
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
	User  string `json:"user,omitempty"`
	Mode  string `json:"mode,omitempty"`
	Date  string `json:"date,omitempty"`
	Size  int64  `json:"size"`
	Dir   bool   `json:"dir,omitempty"`
}
