package queue

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cirro-hpc/cirro/pkg/api"
)

// slurmAdapter speaks Slurm.
type slurmAdapter struct{}

var slurmSubmitRE = regexp.MustCompile(`^Submitted batch job (\d+)`)

func (a *slurmAdapter) Name() string { return "slurm" }

func (a *slurmAdapter) SubmitCommand(script string) string {
	return fmt.Sprintf("sbatch %s", script)
}

func (a *slurmAdapter) ParseSubmit(lines []string) (string, error) {
	return parseSubmitID(lines, slurmSubmitRE)
}

func (a *slurmAdapter) TerminateCommand(job *api.Job) string {
	return fmt.Sprintf("scancel %s", job.QueueJobID)
}

func (a *slurmAdapter) StatusCommand(jobs []*api.Job) string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if j.QueueJobID != "" {
			ids = append(ids, j.QueueJobID)
		}
	}
	return fmt.Sprintf("squeue -j %s", strings.Join(ids, ","))
}

func (a *slurmAdapter) ParseState(token string) (api.QueueState, error) {
	switch token {
	// ca (cancelled) and to (timed out) are classed as running here even
	// though the Slurm manual treats them as terminal; behavioral parity
	// with the original classification is kept deliberately. Such jobs
	// leave the queue shortly after and resolve through the absent path.
	case "ca", "cg", "r", "s", "to":
		return api.QueueRunning, nil
	case "cf", "pd":
		return api.QueueQueued, nil
	case "f", "nf":
		return api.QueueError, nil
	case "cd", "pr":
		return api.QueueComplete, nil
	}
	return "", &ParseError{Token: token}
}

func (a *slurmAdapter) Directives(job *api.Job, cluster *api.Cluster) []string {
	p := resolveParams(job, cluster)
	var lines []string
	if p.NumberOfSlots != nil {
		lines = append(lines, fmt.Sprintf("#SBATCH --ntasks=%d", *p.NumberOfSlots))
	} else if p.NumberOfNodes != nil {
		lines = append(lines, fmt.Sprintf("#SBATCH --nodes=%d", *p.NumberOfNodes))
	}
	if p.NumberOfCoresPerNode != nil {
		lines = append(lines, fmt.Sprintf("#SBATCH --ntasks-per-node=%d", *p.NumberOfCoresPerNode))
	}
	if p.NumberOfGpusPerNode != nil {
		lines = append(lines, fmt.Sprintf("#SBATCH --gres=gpu:%d", *p.NumberOfGpusPerNode))
	}
	return lines
}
