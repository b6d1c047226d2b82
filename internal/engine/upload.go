package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/cirro-hpc/cirro/internal/queue"
	"github.com/cirro-hpc/cirro/internal/taskqueue"
	"github.com/cirro-hpc/cirro/internal/transport"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// handleUpload stages job outputs back to the control plane. Folder-form
// outputs mirror the remote tree into the target folder; item-form outputs
// run girder-client on the remote host through the background-process
// monitor. The handler is idempotent: files already present under the
// target are skipped, so a redelivered task resumes where the last attempt
// stopped.
func (e *Engine) handleUpload(ctx context.Context, t taskqueue.Task) error {
	var ref jobRef
	if err := json.Unmarshal(t.Payload, &ref); err != nil {
		return err
	}
	cluster, job, err := e.fetch(ctx, ref)
	if err != nil {
		return e.retryUpload(ctx, t, ref, err)
	}
	if job.Status == api.StatusTerminated {
		return nil
	}
	conn, err := e.connect(ctx, cluster)
	if err != nil {
		return e.retryUpload(ctx, t, ref, err)
	}
	defer conn.Close()

	for _, out := range job.Output {
		if out.FolderID == "" {
			continue
		}
		if err := e.uploadFolderOutput(ctx, conn, cluster, job, out); err != nil {
			return e.retryUpload(ctx, t, ref, err)
		}
	}
	return e.uploadItemAt(ctx, conn, cluster, job, 0)
}

// handleUploadItems continues item-form output upload at the given index
// after the previous helper finished.
func (e *Engine) handleUploadItems(ctx context.Context, t taskqueue.Task) error {
	var p stagePayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return err
	}
	cluster, job, err := e.fetch(ctx, p.jobRef)
	if err != nil {
		return e.retryUpload(ctx, t, p.jobRef, err)
	}
	conn, err := e.connect(ctx, cluster)
	if err != nil {
		return e.retryUpload(ctx, t, p.jobRef, err)
	}
	defer conn.Close()
	return e.uploadItemAt(ctx, conn, cluster, job, p.Index)
}

// handleFinalize closes out the job after the last upload helper: one final
// tail capture, then the complete/error decision.
func (e *Engine) handleFinalize(ctx context.Context, t taskqueue.Task) error {
	var ref jobRef
	if err := json.Unmarshal(t.Payload, &ref); err != nil {
		return err
	}
	cluster, job, err := e.fetch(ctx, ref)
	if err != nil {
		return e.retryUpload(ctx, t, ref, err)
	}
	conn, err := e.connect(ctx, cluster)
	if err != nil {
		return e.retryUpload(ctx, t, ref, err)
	}
	defer conn.Close()
	if err := e.captureTails(ctx, conn, job); err != nil {
		return e.retryUpload(ctx, t, ref, err)
	}
	return e.finalize(ctx, conn, job, cluster)
}

// uploadItemAt launches the helper for the next item-form output at or after
// index, or finalizes the job when none remain.
func (e *Engine) uploadItemAt(ctx context.Context, conn transport.Connection, cluster *api.Cluster, job *api.Job, index int) error {
	for i := index; i < len(job.Output); i++ {
		out := job.Output[i]
		if out.ItemID == "" {
			continue
		}
		next, err := json.Marshal(stagePayload{jobRef: jobRef{ClusterID: cluster.ID, JobID: job.ID}, Index: i + 1})
		if err != nil {
			return err
		}
		src := path.Join(job.Dir, queue.SubstituteIO(out.Path, job))
		script := fmt.Sprintf("#!/bin/sh\ngirder-client --api-url %s --token %s upload --parent-type item %s %s\n",
			e.baseURL, e.girder.Token(), out.ItemID, src)
		name := fmt.Sprintf("upload-%s.sh", out.ItemID)
		err = e.startBackground(ctx, conn, cluster, job, name, script, &nextTask{
			Queue:   taskqueue.QueueCommand,
			Kind:    TaskUploadItems,
			Payload: next,
		})
		if err != nil {
			e.enterUnexpectedError(ctx, job, fmt.Errorf("output upload: %w", err))
		}
		return nil
	}
	if err := e.captureTails(ctx, conn, job); err != nil {
		return err
	}
	return e.finalize(ctx, conn, job, cluster)
}

// uploadFolderOutput mirrors a remote directory tree into a control-plane
// folder, honoring the output's include and exclude glob patterns.
func (e *Engine) uploadFolderOutput(ctx context.Context, conn transport.Connection, cluster *api.Cluster, job *api.Job, out api.Output) error {
	root := job.Dir
	if out.Path != "" {
		root = path.Join(job.Dir, out.Path)
	}
	return e.uploadTree(ctx, conn, cluster, out, root, "", out.FolderID)
}

func (e *Engine) uploadTree(ctx context.Context, conn transport.Connection, cluster *api.Cluster, out api.Output, remote, rel, folderID string) error {
	listing, err := e.girder.ListFolder(ctx, folderID)
	if err != nil {
		return err
	}
	folders := make(map[string]string, len(listing.Folders))
	for _, f := range listing.Folders {
		folders[f.Name] = f.ID
	}
	items := make(map[string]string, len(listing.Items))
	for _, it := range listing.Items {
		items[it.Name] = it.ID
	}

	entries, err := conn.List(remote)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		childRel := path.Join(rel, entry.Name)
		if entry.Dir {
			sub, ok := folders[entry.Name]
			if !ok {
				sub, err = e.girder.CreateFolder(ctx, folderID, entry.Name)
				if err != nil {
					return err
				}
			}
			if err := e.uploadTree(ctx, conn, cluster, out, path.Join(remote, entry.Name), childRel, sub); err != nil {
				return err
			}
			continue
		}
		if !selectOutput(childRel, out.Include, out.Exclude) {
			continue
		}
		if _, done := items[entry.Name]; done {
			continue
		}
		if err := e.uploadFile(ctx, conn, cluster, folderID, path.Join(remote, entry.Name), entry); err != nil {
			return err
		}
	}
	return nil
}

// uploadFile moves one remote file into the control plane, either by asset
// store import (bytes stay on the cluster) or by streaming through the
// engine when no store is configured.
func (e *Engine) uploadFile(ctx context.Context, conn transport.Connection, cluster *api.Cluster, folderID, remote string, entry api.FileEntry) error {
	itemID, err := e.girder.CreateItem(ctx, folderID, entry.Name)
	if err != nil {
		return err
	}
	if storeID := cluster.Config.AssetStoreID; storeID != "" {
		storeType := "sftp"
		if cluster.Type == api.ClusterNEWT {
			storeType = "newt"
		}
		return e.girder.ImportFile(ctx, storeType, storeID, itemID, remote, entry.Size)
	}
	rc, err := conn.Get(remote)
	if err != nil {
		return err
	}
	defer rc.Close()
	return e.girder.UploadFile(ctx, itemID, entry.Name, entry.Size, rc)
}

// selectOutput applies include then exclude globs against the path relative
// to the output root. Patterns are tried against the full relative path and
// the bare file name.
func selectOutput(rel string, include, exclude []string) bool {
	match := func(pattern string) bool {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		ok, _ := path.Match(pattern, path.Base(rel))
		return ok
	}
	for _, pattern := range exclude {
		if match(pattern) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, pattern := range include {
		if match(pattern) {
			return true
		}
	}
	return false
}

// retryUpload re-enqueues the task for transient transport failures,
// escalates repeated control-plane failures, and treats anything else as a
// hard failure of the upload phase.
func (e *Engine) retryUpload(ctx context.Context, t taskqueue.Task, ref jobRef, cause error) error {
	if transport.IsTransient(cause) {
		e.log.Warn().Err(cause).Str("job", ref.JobID).Msg("output upload retrying")
		return e.broker.Enqueue(ctx, delayed(t, e.interval))
	}
	if isControlPlaneError(cause) {
		e.log.Warn().Err(cause).Str("job", ref.JobID).Msg("output upload retrying after control-plane error")
		return e.escalateRetry(ctx, t, ref.JobID, cause)
	}
	job := &api.Job{ID: ref.JobID}
	e.enterUnexpectedError(ctx, job, fmt.Errorf("output upload: %w", cause))
	return cause
}
