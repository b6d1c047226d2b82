package queue

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cirro-hpc/cirro/internal/transport"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// sgeAdapter speaks Sun Grid Engine. It is the default dialect.
type sgeAdapter struct{}

var sgeSubmitRE = regexp.MustCompile(`^[Yy]our job (\d+)`)

func (a *sgeAdapter) Name() string { return "sge" }

func (a *sgeAdapter) SubmitCommand(script string) string {
	return fmt.Sprintf("qsub -cwd %s", script)
}

func (a *sgeAdapter) ParseSubmit(lines []string) (string, error) {
	return parseSubmitID(lines, sgeSubmitRE)
}

func (a *sgeAdapter) TerminateCommand(job *api.Job) string {
	return fmt.Sprintf("qdel %s", job.QueueJobID)
}

func (a *sgeAdapter) StatusCommand(jobs []*api.Job) string {
	// qstat lists every job for the connecting user; filtering happens
	// while parsing.
	return "qstat"
}

func (a *sgeAdapter) ParseState(token string) (api.QueueState, error) {
	switch token {
	case "r", "d":
		return api.QueueRunning, nil
	case "qw", "q", "w", "s", "h", "t":
		return api.QueueQueued, nil
	case "e":
		return api.QueueError, nil
	}
	return "", &ParseError{Token: token}
}

func (a *sgeAdapter) Directives(job *api.Job, cluster *api.Cluster) []string {
	p := resolveParams(job, cluster)
	var lines []string
	if p.ParallelEnvironment != "" && p.NumberOfSlots != nil {
		lines = append(lines, fmt.Sprintf("#$ -pe %s %d", p.ParallelEnvironment, *p.NumberOfSlots))
	}
	if p.NumberOfGpusPerNode != nil {
		lines = append(lines, fmt.Sprintf("#$ -l gpu=%d", *p.NumberOfGpusPerNode))
	}
	return lines
}

// QuerySlots asks the scheduler for the slot count of a parallel
// environment. Used when numberOfSlots is unspecified; the result is
// persisted on the job.
func (a *sgeAdapter) QuerySlots(ctx context.Context, conn transport.Connection, env string) (int, error) {
	lines, err := conn.Execute(ctx, fmt.Sprintf("qconf -sp %s", env), false)
	if err != nil {
		return 0, fmt.Errorf("query parallel environment %s: %w", env, err)
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "slots" {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return 0, fmt.Errorf("parse slot count %q: %w", fields[1], err)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("no slot count in qconf output for %s", env)
}
