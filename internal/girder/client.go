// Package girder is the control-plane REST client. The control plane owns
// the authoritative Cluster and Job records; the engine reads and patches
// them through this client and never caches across ticks.
package girder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cirro-hpc/cirro/pkg/api"
)

// HTTPError reports a non-2xx control-plane response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("girder: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the control plane.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}

// Client is an authenticated control-plane client.
type Client struct {
	base   string
	token  string
	client *http.Client
}

// New creates a client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SetToken installs a session token directly.
func (c *Client) SetToken(token string) { c.token = token }

// Token returns the current session token.
func (c *Client) Token() string { return c.token }

// Authenticate creates a service session token from the engine identity.
func (c *Client) Authenticate(ctx context.Context, user, password string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/user/authentication", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(user, password)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Method: "GET", Path: "/user/authentication", StatusCode: resp.StatusCode, Body: string(body)}
	}
	var out struct {
		AuthToken struct {
			Token string `json:"token"`
		} `json:"authToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("authenticate decode: %w", err)
	}
	c.token = out.AuthToken.Token
	return nil
}

// doRequest performs one JSON request against the control plane.
func (c *Client) doRequest(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Girder-Token", c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("girder %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("girder %s %s: decode: %w", method, path, err)
		}
	}
	return nil
}

// GetJob fetches the full job record.
func (c *Client) GetJob(ctx context.Context, id string) (*api.Job, error) {
	var job api.Job
	if err := c.doRequest(ctx, http.MethodGet, "/jobs/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// PatchJob updates scalar fields of the job record. Last writer wins.
func (c *Client) PatchJob(ctx context.Context, id string, patch map[string]any) error {
	return c.doRequest(ctx, http.MethodPatch, "/jobs/"+id, patch, nil)
}

// GetJobStatus is the lightweight status read used at the top of every
// monitor tick.
func (c *Client) GetJobStatus(ctx context.Context, id string) (api.JobStatus, error) {
	var out struct {
		Status api.JobStatus `json:"status"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/jobs/"+id+"/status", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// AppendJobLog appends one record to the job's log stream.
func (c *Client) AppendJobLog(ctx context.Context, id string, entry api.LogEntry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	return c.doRequest(ctx, http.MethodPost, "/jobs/"+id+"/log", entry, nil)
}

// GetCluster fetches the cluster record.
func (c *Client) GetCluster(ctx context.Context, id string) (*api.Cluster, error) {
	var cluster api.Cluster
	if err := c.doRequest(ctx, http.MethodGet, "/clusters/"+id, nil, &cluster); err != nil {
		return nil, err
	}
	return &cluster, nil
}

// PatchCluster updates the cluster record. A 404 is tolerated during
// terminate; the cluster may already be gone.
func (c *Client) PatchCluster(ctx context.Context, id string, patch map[string]any) error {
	err := c.doRequest(ctx, http.MethodPatch, "/clusters/"+id, patch, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// AppendClusterLog appends one record to the cluster's log stream.
func (c *Client) AppendClusterLog(ctx context.Context, id string, entry api.LogEntry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	return c.doRequest(ctx, http.MethodPost, "/clusters/"+id+"/log", entry, nil)
}
