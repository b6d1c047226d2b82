package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cirro-hpc/cirro/pkg/api"
)

// defaultPaths rewrites the bare command names the engine uses into absolute
// paths; the NEWT shell refuses commands without a full executable path.
// Cluster config may override per command.
var defaultPaths = map[string]string{
	"qsub":    "/usr/bin/qsub",
	"qstat":   "/usr/bin/qstat",
	"qdel":    "/usr/bin/qdel",
	"qconf":   "/usr/bin/qconf",
	"sbatch":  "/usr/bin/sbatch",
	"squeue":  "/usr/bin/squeue",
	"scancel": "/usr/bin/scancel",
	"ps":      "/bin/ps",
	"grep":    "/bin/grep",
	"nohup":   "/usr/bin/nohup",
	"tail":    "/usr/bin/tail",
	"mkdir":   "/bin/mkdir",
	"rm":      "/bin/rm",
	"cat":     "/bin/cat",
	"sh":      "/bin/sh",
}

// newtConn speaks to a web-API-mediated remote shell. File and command
// operations go over HTTP with a session id; there is no persistent socket.
type newtConn struct {
	base    string
	session string
	paths   map[string]string
	client  *http.Client
}

func openNEWT(cluster *api.Cluster) (Connection, error) {
	if cluster.Config.Host == "" {
		return nil, fmt.Errorf("newt cluster %s: host required", cluster.ID)
	}
	if cluster.Config.NewtSessionID == "" {
		return nil, fmt.Errorf("newt cluster %s: session id required", cluster.ID)
	}
	paths := make(map[string]string, len(defaultPaths))
	for k, v := range defaultPaths {
		paths[k] = v
	}
	for k, v := range cluster.Config.Paths {
		paths[k] = v
	}
	return &newtConn{
		base:    strings.TrimRight(cluster.Config.Host, "/"),
		session: cluster.Config.NewtSessionID,
		paths:   paths,
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// rewrite substitutes absolute executable paths for bare command names at
// the start of the command and after shell connectives.
func (c *newtConn) rewrite(cmd string) string {
	fields := strings.Fields(cmd)
	expectCmd := true
	for i, f := range fields {
		if expectCmd {
			if abs, ok := c.paths[f]; ok {
				fields[i] = abs
			}
			expectCmd = false
		}
		switch f {
		case "&&", "||", ";", "|":
			expectCmd = true
		}
	}
	return strings.Join(fields, " ")
}

type newtCommandResponse struct {
	Output string `json:"output"`
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func (c *newtConn) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.AddCookie(&http.Cookie{Name: "newt_sessionid", Value: c.session})
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ConnectError{Err: err}
	}
	return resp, nil
}

func (c *newtConn) Execute(ctx context.Context, cmd string, ignoreExitStatus bool) ([]string, error) {
	payload, _ := json.Marshal(map[string]string{"command": c.rewrite(cmd)})
	resp, err := c.do(ctx, http.MethodPost, "/command", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, &ConnectError{Err: fmt.Errorf("newt command: status %d", resp.StatusCode)}
	}
	var out newtCommandResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("newt command decode: %w", err)
	}
	lines := splitLines(out.Output)
	if out.Status != 0 && !ignoreExitStatus {
		return lines, &ExitError{Cmd: cmd, Status: out.Status, Output: splitLines(out.Error)}
	}
	return lines, nil
}

func (c *newtConn) fileURL(p string) string {
	return "/file?path=" + url.QueryEscape(p)
}

func (c *newtConn) Get(p string) (io.ReadCloser, error) {
	resp, err := c.do(context.Background(), http.MethodGet, c.fileURL(p), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, fmt.Errorf("newt get %s: status %d", p, resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *newtConn) Put(p string, r io.Reader) error {
	if err := c.Makedirs(path.Dir(p)); err != nil {
		return err
	}
	resp, err := c.do(context.Background(), http.MethodPut, c.fileURL(p), r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("newt put %s: status %d", p, resp.StatusCode)
	}
	return nil
}

func (c *newtConn) Mkdir(p string, ignoreFailure bool) error {
	_, err := c.Execute(context.Background(), fmt.Sprintf("mkdir %s", p), ignoreFailure)
	return err
}

func (c *newtConn) Makedirs(p string) error {
	_, err := c.Execute(context.Background(), fmt.Sprintf("mkdir -p %s", p), false)
	return err
}

func (c *newtConn) Stat(p string) (api.FileEntry, error) {
	entries, err := c.list(p)
	if err != nil {
		return api.FileEntry{}, err
	}
	if len(entries) == 0 {
		return api.FileEntry{}, fmt.Errorf("stat %s: not found", p)
	}
	return entries[0], nil
}

func (c *newtConn) Remove(p string) error {
	_, err := c.Execute(context.Background(), fmt.Sprintf("rm %s", p), false)
	return err
}

func (c *newtConn) IsFile(p string) (bool, error) {
	entries, err := c.list(p)
	if err != nil || len(entries) == 0 {
		return false, nil
	}
	return !entries[0].Dir, nil
}

func (c *newtConn) list(p string) ([]api.FileEntry, error) {
	resp, err := c.do(context.Background(), http.MethodGet, c.fileURL(p)+"&view=json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("newt list %s: status %d", p, resp.StatusCode)
	}
	var entries []api.FileEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("newt list decode: %w", err)
	}
	// Directory listings include . and .. which the engine never wants.
	out := entries[:0]
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *newtConn) List(p string) ([]api.FileEntry, error) {
	entries, err := c.list(p)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, fmt.Errorf("list %s: not found", p)
	}
	return entries, nil
}

func (c *newtConn) Close() error { return nil }
