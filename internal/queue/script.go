package queue

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/cirro-hpc/cirro/pkg/api"
)

// TemplateData exposes the cluster, job, control-plane URL and resolved
// resource fields to script templates.
func TemplateData(job *api.Job, cluster *api.Cluster, baseURL string) map[string]any {
	p := resolveParams(job, cluster)
	data := map[string]any{
		"cluster": cluster,
		"job":     job,
		"baseUrl": baseURL,
	}
	if p.NumberOfNodes != nil {
		data["numberOfNodes"] = *p.NumberOfNodes
	}
	if p.NumberOfSlots != nil {
		data["numberOfSlots"] = *p.NumberOfSlots
	}
	if p.NumberOfCoresPerNode != nil {
		data["numberOfCoresPerNode"] = *p.NumberOfCoresPerNode
	}
	if p.NumberOfGpusPerNode != nil {
		data["numberOfGpusPerNode"] = *p.NumberOfGpusPerNode
	}
	if p.ParallelEnvironment != "" {
		data["parallelEnvironment"] = p.ParallelEnvironment
	}
	return data
}

// Render expands template variables in s. Two passes, so commands may embed
// job metadata that itself expands to a template expression.
func Render(s string, data map[string]any) (string, error) {
	out := s
	for pass := 0; pass < 2; pass++ {
		if !strings.Contains(out, "{{") {
			break
		}
		tmpl, err := template.New("script").Option("missingkey=zero").Parse(out)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		var b strings.Builder
		if err := tmpl.Execute(&b, data); err != nil {
			return "", fmt.Errorf("render template: %w", err)
		}
		out = b.String()
	}
	return out, nil
}

// RenderScript produces the submission script: scheduler directives first,
// then the job's commands, all template-expanded. Rendering is deterministic
// for a given (job, cluster, params).
func RenderScript(a Adapter, job *api.Job, cluster *api.Cluster, baseURL string) (string, error) {
	lines := []string{"#!/bin/sh"}
	lines = append(lines, a.Directives(job, cluster)...)
	lines = append(lines, job.Commands...)
	// stdout/stderr placeholders are not template expressions; resolve them
	// before parsing.
	script := SubstituteIO(strings.Join(lines, "\n")+"\n", job)
	return Render(script, TemplateData(job, cluster, baseURL))
}

// SubstituteIO resolves the {{stdout}} and {{stderr}} placeholders used in
// output descriptors to the scheduler's stdout/stderr file names.
func SubstituteIO(s string, job *api.Job) string {
	r := strings.NewReplacer(
		"{{stdout}}", job.StdoutName(),
		"{{stderr}}", job.StderrName(),
	)
	return r.Replace(s)
}
