package queue

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cirro-hpc/cirro/pkg/api"
)

// pbsAdapter speaks PBS/Torque.
type pbsAdapter struct{}

// The id prefix grammar does not match array-task suffixes such as 123[];
// array jobs are unsupported.
var pbsSubmitRE = regexp.MustCompile(`^(\d+)\.`)

func (a *pbsAdapter) Name() string { return "pbs" }

func (a *pbsAdapter) SubmitCommand(script string) string {
	return fmt.Sprintf("qsub %s", script)
}

func (a *pbsAdapter) ParseSubmit(lines []string) (string, error) {
	return parseSubmitID(lines, pbsSubmitRE)
}

func (a *pbsAdapter) TerminateCommand(job *api.Job) string {
	return fmt.Sprintf("qdel %s", job.QueueJobID)
}

func (a *pbsAdapter) StatusCommand(jobs []*api.Job) string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if j.QueueJobID != "" {
			ids = append(ids, j.QueueJobID)
		}
	}
	return fmt.Sprintf("qstat %s", strings.Join(ids, " "))
}

func (a *pbsAdapter) ParseState(token string) (api.QueueState, error) {
	switch token {
	case "r":
		return api.QueueRunning, nil
	case "q", "h", "t", "w", "s":
		return api.QueueQueued, nil
	case "e":
		return api.QueueError, nil
	case "c":
		return api.QueueComplete, nil
	}
	return "", &ParseError{Token: token}
}

func (a *pbsAdapter) Directives(job *api.Job, cluster *api.Cluster) []string {
	p := resolveParams(job, cluster)
	if p.NumberOfNodes == nil && p.NumberOfCoresPerNode == nil && p.NumberOfGpusPerNode == nil {
		return nil
	}
	nodes := 1
	if p.NumberOfNodes != nil {
		nodes = *p.NumberOfNodes
	}
	spec := fmt.Sprintf("nodes=%d", nodes)
	if p.NumberOfCoresPerNode != nil {
		spec += fmt.Sprintf(":ppn=%d", *p.NumberOfCoresPerNode)
	}
	if p.NumberOfGpusPerNode != nil {
		spec += fmt.Sprintf(":gpus=%d", *p.NumberOfGpusPerNode)
	}
	return []string{fmt.Sprintf("#PBS -l %s", spec)}
}
