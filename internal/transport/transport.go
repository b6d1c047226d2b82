// Package transport provides scoped connections to cluster head nodes. A
// connection is acquired per tick and released on all exit paths; nothing is
// cached across ticks.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	cssh "github.com/cirro-hpc/cirro/internal/ssh"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// Connection is the single contract the engine has with a head node.
type Connection interface {
	// Execute runs a shell command and returns its output split into lines.
	// A non-zero exit returns *ExitError unless ignoreExitStatus is set.
	Execute(ctx context.Context, cmd string, ignoreExitStatus bool) ([]string, error)
	// Get opens a remote file for reading.
	Get(path string) (io.ReadCloser, error)
	// Put streams r into a remote file, creating parent directories.
	Put(path string, r io.Reader) error
	Mkdir(path string, ignoreFailure bool) error
	Makedirs(path string) error
	Stat(path string) (api.FileEntry, error)
	Remove(path string) error
	IsFile(path string) (bool, error)
	List(path string) ([]api.FileEntry, error)
	Close() error
}

// ExitError reports a remote command that exited non-zero where that was not
// tolerated.
type ExitError struct {
	Cmd    string
	Status int
	Output []string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command %q exited %d", e.Cmd, e.Status)
}

// ConnectError marks connect-level failures (dial, EOF, dropped socket) that
// a monitor tick recovers from by re-enqueueing without a status change.
type ConnectError struct{ Err error }

func (e *ConnectError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried by re-enqueue.
func IsTransient(err error) bool {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Options are dial parameters for SSH-backed connections.
type Options struct {
	// Timeout per dial attempt; zero means 5 s.
	Timeout time.Duration
	// Retries after the first failed dial.
	Retries int
}

// Open acquires a connection to the cluster's head node, selected by cluster
// type. Unknown types are rejected here rather than deeper in the engine.
func Open(ctx context.Context, cluster *api.Cluster, keys *cssh.KeyStore, opts Options) (Connection, error) {
	switch cluster.Type {
	case api.ClusterEC2, api.ClusterTraditional, "":
		return openSSH(ctx, cluster, keys, opts)
	case api.ClusterNEWT:
		return openNEWT(cluster)
	default:
		return nil, fmt.Errorf("unknown cluster type %q", cluster.Type)
	}
}
