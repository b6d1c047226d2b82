package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cirro-hpc/cirro/internal/config"
	"github.com/cirro-hpc/cirro/internal/engine"
	"github.com/cirro-hpc/cirro/internal/girder"
	cssh "github.com/cirro-hpc/cirro/internal/ssh"
	"github.com/cirro-hpc/cirro/internal/taskqueue"
	"github.com/cirro-hpc/cirro/internal/transport"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// Resolve config and an authenticated control-plane client
func resolveClient(cmd *cobra.Command) (*girder.Client, config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, cfg, err
	}
	gc := girder.New(cfg.Girder.BaseURL)
	if cfg.Girder.Token != "" {
		gc.SetToken(cfg.Girder.Token)
	} else if err := gc.Authenticate(cmd.Context(), cfg.Girder.User, cfg.Girder.Password); err != nil {
		return nil, cfg, err
	}
	return gc, cfg, nil
}

// Open the task broker named by the config
func resolveBroker(cfg config.Config) (taskqueue.Broker, error) {
	if cfg.Queue.Path == "" {
		return taskqueue.NewMemoryBroker(), nil
	}
	return taskqueue.NewSQLiteBroker(cfg.Queue.Path)
}

// Build the engine over broker, transport and control plane
func resolveEngine(gc *girder.Client, broker taskqueue.Broker, cfg config.Config) (*engine.Engine, error) {
	keys, err := cssh.NewKeyStore(cfg.SSH.KeyStore)
	if err != nil {
		return nil, err
	}
	opts := transport.Options{
		Timeout: time.Duration(cfg.SSH.TimeoutSeconds) * time.Second,
		Retries: cfg.SSH.Retries,
	}
	connect := func(ctx context.Context, cluster *api.Cluster) (transport.Connection, error) {
		return transport.Open(ctx, cluster, keys, opts)
	}
	interval := time.Duration(cfg.Queue.MonitorIntervalSeconds) * time.Second
	return engine.New(gc, broker, connect, cfg.Girder.BaseURL, engine.WithInterval(interval)), nil
}

// Run the worker pools
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run command and monitor worker pools until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			gc, cfg, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			broker, err := resolveBroker(cfg)
			if err != nil {
				return err
			}
			defer broker.Close()
			eng, err := resolveEngine(gc, broker, cfg)
			if err != nil {
				return err
			}
			worker := taskqueue.NewWorker(broker)
			eng.Register(worker)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().
				Int("commandWorkers", cfg.Queue.CommandWorkers).
				Int("monitorWorkers", cfg.Queue.MonitorWorkers).
				Str("girder", cfg.Girder.BaseURL).
				Msg("worker pools starting")

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				worker.Run(ctx, taskqueue.QueueCommand, cfg.Queue.CommandWorkers)
			}()
			go func() {
				defer wg.Done()
				worker.Run(ctx, taskqueue.QueueMonitor, cfg.Queue.MonitorWorkers)
			}()
			wg.Wait()
			log.Info().Msg("worker pools stopped")
			return nil
		},
	}
}

// Enqueue a job submission
func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue a job for submission to its cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterID, _ := cmd.Flags().GetString("cluster")
			jobID, _ := cmd.Flags().GetString("job")
			gc, cfg, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			if cfg.Queue.Path == "" {
				return fmt.Errorf("submit needs a durable queue; set queue.path in the config")
			}
			broker, err := resolveBroker(cfg)
			if err != nil {
				return err
			}
			defer broker.Close()
			eng, err := resolveEngine(gc, broker, cfg)
			if err != nil {
				return err
			}
			if err := eng.SubmitJob(cmd.Context(), clusterID, jobID); err != nil {
				return err
			}
			fmt.Printf("submitted job %s on cluster %s\n", jobID, clusterID)
			return nil
		},
	}
	cmd.Flags().String("cluster", "", "cluster id")
	cmd.Flags().String("job", "", "job id")
	_ = cmd.MarkFlagRequired("cluster")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

// Enqueue a job termination
func newTerminateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Enqueue termination of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterID, _ := cmd.Flags().GetString("cluster")
			jobID, _ := cmd.Flags().GetString("job")
			gc, cfg, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			if cfg.Queue.Path == "" {
				return fmt.Errorf("terminate needs a durable queue; set queue.path in the config")
			}
			broker, err := resolveBroker(cfg)
			if err != nil {
				return err
			}
			defer broker.Close()
			eng, err := resolveEngine(gc, broker, cfg)
			if err != nil {
				return err
			}
			if err := eng.TerminateJob(cmd.Context(), clusterID, jobID); err != nil {
				return err
			}
			fmt.Printf("terminating job %s on cluster %s\n", jobID, clusterID)
			return nil
		},
	}
	cmd.Flags().String("cluster", "", "cluster id")
	cmd.Flags().String("job", "", "job id")
	_ = cmd.MarkFlagRequired("cluster")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}
