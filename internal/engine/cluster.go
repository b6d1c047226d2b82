package engine

import (
	"context"
	"encoding/json"

	"github.com/cirro-hpc/cirro/internal/taskqueue"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// handleTerminateCluster asks the control plane to tear a cluster down
// after a job's onComplete requested it. The engine owns no provisioning;
// the layer that does reacts to the status change. A cluster already
// deleted is not an error.
func (e *Engine) handleTerminateCluster(ctx context.Context, t taskqueue.Task) error {
	var p struct {
		ClusterID string `json:"clusterId"`
	}
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return err
	}
	if err := e.girder.PatchCluster(ctx, p.ClusterID, map[string]any{"status": "terminating"}); err != nil {
		return err
	}
	if err := e.girder.AppendClusterLog(ctx, p.ClusterID, api.LogEntry{Level: "info", Message: "Cluster termination requested"}); err != nil {
		e.log.Warn().Err(err).Str("cluster", p.ClusterID).Msg("append cluster log failed")
	}
	return nil
}
