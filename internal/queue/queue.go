// Package queue translates the engine's canonical submit/terminate/status
// operations into batch-scheduler dialects (SGE, PBS, Slurm) and parses
// their output. It is the single point where scheduler dialect enters the
// system; everything above consumes only canonical queue states.
package queue

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cirro-hpc/cirro/internal/transport"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// SubmitError reports scheduler output that did not yield a job id.
type SubmitError struct {
	Output []string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("scheduler did not return a job id: %q", strings.Join(e.Output, "\n"))
}

// ParseError reports an unrecognized scheduler state token. The monitor
// retains the current job state and retries.
type ParseError struct {
	Token string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognized scheduler state token %q", e.Token)
}

// Adapter is one batch-scheduler dialect. Adapters are stateless; all
// remote interaction goes through the connection passed in.
type Adapter interface {
	Name() string
	// SubmitCommand returns the command submitting script from the job dir.
	SubmitCommand(script string) string
	// ParseSubmit extracts the scheduler job id from submit output. It
	// fails with *SubmitError on zero lines, multiple lines, or output
	// not matching the dialect's success grammar.
	ParseSubmit(lines []string) (string, error)
	TerminateCommand(job *api.Job) string
	StatusCommand(jobs []*api.Job) string
	// ParseState canonicalizes one lower-cased state token.
	ParseState(token string) (api.QueueState, error)
	// Directives renders the scheduler-specific script header for the
	// job's resolved resource parameters.
	Directives(job *api.Job, cluster *api.Cluster) []string
}

// SlotQuerier is implemented by adapters that can report the slot count of
// a parallel environment (SGE only).
type SlotQuerier interface {
	QuerySlots(ctx context.Context, conn transport.Connection, env string) (int, error)
}

// New selects an adapter for a scheduler type. The mapping is compile-time
// closed; unknown types are rejected at cluster validation time.
func New(schedulerType string) (Adapter, error) {
	switch schedulerType {
	case "sge", "":
		return &sgeAdapter{}, nil
	case "pbs":
		return &pbsAdapter{}, nil
	case "slurm":
		return &slurmAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler type %q", schedulerType)
	}
}

// statusLineRE matches one status-query output line: job id in group 1,
// state token in group 2.
var statusLineRE = regexp.MustCompile(`^\s*(\d+)\s+\S+\s+\S+\s+\S+\s+(\w+)`)

// Status is the scheduler-reported state of one job. Present is false when
// the job was absent from the query output, which the state machine treats
// as completed or purged.
type Status struct {
	State   api.QueueState
	Present bool
}

// Submit submits the job's script from its working directory and returns
// the scheduler-assigned job id.
func Submit(ctx context.Context, conn transport.Connection, a Adapter, job *api.Job) (string, error) {
	cmd := fmt.Sprintf("cd %s && %s", job.Dir, a.SubmitCommand("./"+job.ScriptName()))
	lines, err := conn.Execute(ctx, cmd, false)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	return a.ParseSubmit(lines)
}

// Terminate cancels the job. Non-zero exit is ignored; the job may already
// have left the queue.
func Terminate(ctx context.Context, conn transport.Connection, a Adapter, job *api.Job) ([]string, error) {
	return conn.Execute(ctx, a.TerminateCommand(job), true)
}

// Statuses queries the scheduler once for all given jobs and returns their
// canonical states keyed by job id. Jobs absent from the output are
// reported with Present false.
func Statuses(ctx context.Context, conn transport.Connection, a Adapter, jobs []*api.Job) (map[string]Status, error) {
	byQueueID := make(map[string]*api.Job, len(jobs))
	result := make(map[string]Status, len(jobs))
	for _, j := range jobs {
		if j.QueueJobID == "" {
			continue
		}
		byQueueID[j.QueueJobID] = j
		result[j.ID] = Status{}
	}
	if len(byQueueID) == 0 {
		return result, nil
	}
	// Status queries exit non-zero when ids have already left the queue.
	lines, err := conn.Execute(ctx, a.StatusCommand(jobs), true)
	if err != nil {
		return nil, fmt.Errorf("job statuses: %w", err)
	}
	for _, line := range lines {
		m := statusLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		job, ok := byQueueID[m[1]]
		if !ok {
			continue
		}
		state, err := a.ParseState(strings.ToLower(m[2]))
		if err != nil {
			return nil, err
		}
		result[job.ID] = Status{State: state, Present: true}
	}
	return result, nil
}

// parseSubmitID applies a dialect's submit-output grammar: exactly one line
// which must match.
func parseSubmitID(lines []string, re *regexp.Regexp) (string, error) {
	if len(lines) != 1 {
		return "", &SubmitError{Output: lines}
	}
	m := re.FindStringSubmatch(lines[0])
	if m == nil {
		return "", &SubmitError{Output: lines}
	}
	return m[1], nil
}

// resolveParams merges resource parameters: job params win, cluster config
// fills the gaps.
func resolveParams(job *api.Job, cluster *api.Cluster) api.Params {
	p := job.Params
	cp := cluster.Config.Params
	if p.NumberOfNodes == nil {
		p.NumberOfNodes = cp.NumberOfNodes
	}
	if p.NumberOfSlots == nil {
		p.NumberOfSlots = cp.NumberOfSlots
	}
	if p.NumberOfCoresPerNode == nil {
		p.NumberOfCoresPerNode = cp.NumberOfCoresPerNode
	}
	if p.NumberOfGpusPerNode == nil {
		p.NumberOfGpusPerNode = cp.NumberOfGpusPerNode
	}
	if p.ParallelEnvironment == "" {
		p.ParallelEnvironment = cp.ParallelEnvironment
	}
	if p.ParallelEnvironment == "" && cluster.Type == api.ClusterEC2 {
		p.ParallelEnvironment = "orte"
	}
	return p
}
