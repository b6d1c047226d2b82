package engine

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/cirro-hpc/cirro/internal/taskqueue"
	"github.com/cirro-hpc/cirro/internal/transport"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// stageFolderInputs copies folder-form inputs into the job directory: the
// control-plane folder tree is mirrored with remote directories and each
// item is streamed over the connection.
func (e *Engine) stageFolderInputs(ctx context.Context, conn transport.Connection, job *api.Job) error {
	for _, in := range job.Input {
		if in.FolderID == "" {
			continue
		}
		dest := path.Join(job.Dir, in.Path)
		if err := conn.Makedirs(dest); err != nil {
			return err
		}
		if err := e.stageFolder(ctx, conn, in.FolderID, dest); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) stageFolder(ctx context.Context, conn transport.Connection, folderID, dest string) error {
	listing, err := e.girder.ListFolder(ctx, folderID)
	if err != nil {
		return err
	}
	for _, folder := range listing.Folders {
		sub := path.Join(dest, folder.Name)
		if err := conn.Makedirs(sub); err != nil {
			return err
		}
		if err := e.stageFolder(ctx, conn, folder.ID, sub); err != nil {
			return err
		}
	}
	for _, item := range listing.Items {
		rc, err := e.girder.DownloadItem(ctx, item.ID)
		if err != nil {
			return err
		}
		err = conn.Put(path.Join(dest, item.Name), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// startItemHelper pulls an item-form input on the remote host itself: a
// helper script runs girder-client against the control plane as a
// background process, and the background-process monitor picks it up.
func (e *Engine) startItemHelper(ctx context.Context, conn transport.Connection, cluster *api.Cluster, job *api.Job, in api.Input, next *nextTask) error {
	dest := path.Join(job.Dir, in.Path)
	if err := conn.Makedirs(dest); err != nil {
		return err
	}
	script := fmt.Sprintf("#!/bin/sh\ngirder-client --api-url %s --token %s download --parent-type item %s %s\n",
		e.baseURL, e.girder.Token(), in.ItemID, dest)
	name := fmt.Sprintf("fetch-%s.sh", in.ItemID)
	return e.startBackground(ctx, conn, cluster, job, name, script, next)
}

// startBackground uploads a helper script, launches it under nohup, captures
// its PID and schedules the background-process monitor. Any output the
// helper writes is treated as evidence of failure.
func (e *Engine) startBackground(ctx context.Context, conn transport.Connection, cluster *api.Cluster, job *api.Job, name, script string, next *nextTask) error {
	scriptPath := path.Join(job.Dir, name)
	if err := conn.Put(scriptPath, strings.NewReader(script)); err != nil {
		return err
	}
	nohupPath := scriptPath + ".out"
	cmd := fmt.Sprintf("cd %s && nohup sh ./%s > ./%s.out 2>&1 & echo $!", job.Dir, name, name)
	lines, err := conn.Execute(ctx, cmd, false)
	if err != nil {
		return err
	}
	pid := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			pid = s
			break
		}
	}
	if pid == "" {
		return fmt.Errorf("no pid from background launch of %s", name)
	}
	p := procPayload{
		jobRef:    jobRef{ClusterID: cluster.ID, JobID: job.ID},
		PID:       pid,
		NohupPath: nohupPath,
		Next:      next,
	}
	return e.enqueue(ctx, taskqueue.QueueMonitor, TaskMonitorProcess, p, e.interval)
}
