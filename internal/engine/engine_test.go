package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cirro-hpc/cirro/internal/girder"
	"github.com/cirro-hpc/cirro/internal/queue"
	"github.com/cirro-hpc/cirro/internal/taskqueue"
	"github.com/cirro-hpc/cirro/internal/transport"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// fakeGirder is an in-memory control plane behind httptest. Records are
// stored as raw JSON objects so PATCH merges work like the real thing.
type fakeGirder struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	jobs        map[string]map[string]any
	clusters    map[string]map[string]any
	jobLogs     map[string][]api.LogEntry
	clusterLogs map[string][]api.LogEntry
	folders     map[string]*girder.FolderListing
	itemFiles   map[string][]girder.File
	chunks      map[string]string
	uploadItems map[string]string
	nextID      int
}

func newFakeGirder(t *testing.T) *fakeGirder {
	g := &fakeGirder{
		t:           t,
		jobs:        map[string]map[string]any{},
		clusters:    map[string]map[string]any{},
		jobLogs:     map[string][]api.LogEntry{},
		clusterLogs: map[string][]api.LogEntry{},
		folders:     map[string]*girder.FolderListing{},
		itemFiles:   map[string][]girder.File{},
		chunks:      map[string]string{},
		uploadItems: map[string]string{},
	}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func toRecord(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func (g *fakeGirder) addJob(job *api.Job) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jobs[job.ID] = toRecord(g.t, job)
}

func (g *fakeGirder) addCluster(c *api.Cluster) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clusters[c.ID] = toRecord(g.t, c)
}

func (g *fakeGirder) addFolder(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.folders[id] = &girder.FolderListing{}
}

func (g *fakeGirder) job(id string) *api.Job {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, err := json.Marshal(g.jobs[id])
	if err != nil {
		g.t.Fatal(err)
	}
	var job api.Job
	if err := json.Unmarshal(data, &job); err != nil {
		g.t.Fatal(err)
	}
	return &job
}

func (g *fakeGirder) jobStatus(id string) api.JobStatus { return g.job(id).Status }

func (g *fakeGirder) jobLogContains(id, substr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, entry := range g.jobLogs[id] {
		if strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}

func (g *fakeGirder) handle(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	write := func(v any) { json.NewEncoder(w).Encode(v) }
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/jobs/"):
		parts := strings.Split(strings.TrimPrefix(path, "/jobs/"), "/")
		job, ok := g.jobs[parts[0]]
		if !ok {
			http.Error(w, `{}`, http.StatusNotFound)
			return
		}
		switch {
		case len(parts) == 2 && parts[1] == "status":
			write(map[string]any{"status": job["status"]})
		case len(parts) == 2 && parts[1] == "log":
			var entry api.LogEntry
			json.NewDecoder(r.Body).Decode(&entry)
			g.jobLogs[parts[0]] = append(g.jobLogs[parts[0]], entry)
			write(map[string]any{})
		case r.Method == http.MethodPatch:
			var patch map[string]any
			json.NewDecoder(r.Body).Decode(&patch)
			for k, v := range patch {
				job[k] = v
			}
			write(map[string]any{})
		default:
			write(job)
		}
	case strings.HasPrefix(path, "/clusters/"):
		parts := strings.Split(strings.TrimPrefix(path, "/clusters/"), "/")
		cluster, ok := g.clusters[parts[0]]
		if !ok {
			http.Error(w, `{}`, http.StatusNotFound)
			return
		}
		switch {
		case len(parts) == 2 && parts[1] == "log":
			var entry api.LogEntry
			json.NewDecoder(r.Body).Decode(&entry)
			g.clusterLogs[parts[0]] = append(g.clusterLogs[parts[0]], entry)
			write(map[string]any{})
		case r.Method == http.MethodPatch:
			var patch map[string]any
			json.NewDecoder(r.Body).Decode(&patch)
			for k, v := range patch {
				cluster[k] = v
			}
			write(map[string]any{})
		default:
			write(cluster)
		}
	case strings.HasPrefix(path, "/folder/"):
		id := strings.TrimPrefix(path, "/folder/")
		listing, ok := g.folders[id]
		if !ok {
			http.Error(w, `{}`, http.StatusNotFound)
			return
		}
		write(listing)
	case path == "/folder" && r.Method == http.MethodPost:
		var body struct {
			ParentID string `json:"parentId"`
			Name     string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		g.nextID++
		id := fmt.Sprintf("folder%d", g.nextID)
		g.folders[id] = &girder.FolderListing{}
		parent := g.folders[body.ParentID]
		parent.Folders = append(parent.Folders, girder.Resource{ID: id, Name: body.Name})
		write(map[string]any{"_id": id})
	case path == "/item" && r.Method == http.MethodPost:
		var body struct {
			FolderID string `json:"folderId"`
			Name     string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		g.nextID++
		id := fmt.Sprintf("item%d", g.nextID)
		folder := g.folders[body.FolderID]
		folder.Items = append(folder.Items, girder.Resource{ID: id, Name: body.Name})
		write(map[string]any{"_id": id})
	case strings.HasPrefix(path, "/item/") && strings.HasSuffix(path, "/files"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/item/"), "/files")
		files := g.itemFiles[id]
		if files == nil {
			files = []girder.File{}
		}
		write(files)
	case path == "/file" && r.Method == http.MethodPost:
		g.nextID++
		id := fmt.Sprintf("upload%d", g.nextID)
		g.uploadItems[id] = r.URL.Query().Get("parentId")
		write(map[string]any{"_id": id})
	case path == "/file/chunk":
		data, _ := io.ReadAll(r.Body)
		g.chunks[r.URL.Query().Get("uploadId")] = string(data)
		write(map[string]any{})
	default:
		http.Error(w, `{}`, http.StatusNotFound)
	}
}

// stubConn is an in-memory head node.
type stubConn struct {
	mu      sync.Mutex
	cmds    []string
	exec    func(cmd string, ignoreExitStatus bool) ([]string, error)
	files   map[string]string
	dirs    map[string]bool
	listing map[string][]api.FileEntry
}

func newStubConn() *stubConn {
	return &stubConn{
		files:   map[string]string{},
		dirs:    map[string]bool{},
		listing: map[string][]api.FileEntry{},
	}
}

func (c *stubConn) Execute(ctx context.Context, cmd string, ignoreExitStatus bool) ([]string, error) {
	c.mu.Lock()
	c.cmds = append(c.cmds, cmd)
	c.mu.Unlock()
	if c.exec != nil {
		return c.exec(cmd, ignoreExitStatus)
	}
	return nil, nil
}

func (c *stubConn) Get(path string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.files[path]
	if !ok {
		return nil, fmt.Errorf("open remote %s: no such file", path)
	}
	return io.NopCloser(bytes.NewReader([]byte(content))), nil
}

func (c *stubConn) Put(path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.files[path] = string(data)
	c.mu.Unlock()
	return nil
}

func (c *stubConn) Mkdir(path string, ignoreFailure bool) error { return c.Makedirs(path) }

func (c *stubConn) Makedirs(path string) error {
	c.mu.Lock()
	c.dirs[path] = true
	c.mu.Unlock()
	return nil
}

func (c *stubConn) Stat(path string) (api.FileEntry, error) { return api.FileEntry{}, nil }
func (c *stubConn) Remove(path string) error                { return nil }

func (c *stubConn) IsFile(path string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.files[path]
	return ok, nil
}

func (c *stubConn) List(path string) ([]api.FileEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, ok := c.listing[path]
	if !ok {
		return nil, fmt.Errorf("list %s: not found", path)
	}
	return entries, nil
}

func (c *stubConn) Close() error { return nil }

func (c *stubConn) ran(prefix string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cmd := range c.cmds {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T) (*Engine, *fakeGirder, *stubConn, *taskqueue.MemoryBroker) {
	g := newFakeGirder(t)
	gc := girder.New(g.srv.URL)
	gc.SetToken("tok")
	broker := taskqueue.NewMemoryBroker()
	conn := newStubConn()
	connect := func(ctx context.Context, cluster *api.Cluster) (transport.Connection, error) {
		return conn, nil
	}
	e := New(gc, broker, connect, g.srv.URL, WithInterval(10*time.Millisecond))
	return e, g, conn, broker
}

// runNext pops one due task and dispatches it to the engine.
func runNext(t *testing.T, e *Engine, broker *taskqueue.MemoryBroker, queue string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := broker.Dequeue(ctx, queue)
	if err != nil {
		t.Fatalf("no task on %s: %v", queue, err)
	}
	handlers := map[string]taskqueue.HandlerFunc{
		TaskSubmitJob:        e.handleSubmit,
		TaskStageItems:       e.handleStageItems,
		TaskLaunchJob:        e.handleLaunch,
		TaskMonitorJobs:      e.handleMonitor,
		TaskUploadOutput:     e.handleUpload,
		TaskUploadItems:      e.handleUploadItems,
		TaskFinalizeJob:      e.handleFinalize,
		TaskTerminateJob:     e.handleTerminate,
		TaskMonitorProcess:   e.handleMonitorProcess,
		TaskTerminateCluster: e.handleTerminateCluster,
	}
	h, ok := handlers[task.Kind]
	if !ok {
		t.Fatalf("no handler for %s", task.Kind)
	}
	if err := h(ctx, *task); err != nil {
		t.Logf("task %s returned: %v", task.Kind, err)
	}
	if err := broker.Ack(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
}

func testCluster() *api.Cluster {
	return &api.Cluster{
		ID:     "c1",
		Name:   "hpc-east",
		Type:   api.ClusterTraditional,
		Status: "running",
		Config: api.ClusterConfig{Host: "head.example.com"},
	}
}

func monitorTask(t *testing.T, jobIDs ...string) taskqueue.Task {
	t.Helper()
	task, err := taskqueue.NewTask(taskqueue.QueueMonitor, TaskMonitorJobs,
		monitorPayload{ClusterID: "c1", JobIDs: jobIDs})
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestNextStatus(t *testing.T) {
	present := func(s api.QueueState) queue.Status { return queue.Status{State: s, Present: true} }
	absent := queue.Status{}
	tests := []struct {
		current api.JobStatus
		st      queue.Status
		want    api.JobStatus
	}{
		{api.StatusCreated, present(api.QueueQueued), api.StatusQueued},
		{api.StatusCreated, present(api.QueueRunning), api.StatusRunning},
		{api.StatusQueued, present(api.QueueRunning), api.StatusRunning},
		{api.StatusQueued, present(api.QueueComplete), api.StatusUploading},
		{api.StatusQueued, present(api.QueueError), api.StatusError},
		{api.StatusRunning, present(api.QueueQueued), api.StatusRunning},
		{api.StatusRunning, present(api.QueueComplete), api.StatusUploading},
		{api.StatusRunning, present(api.QueueError), api.StatusError},
		{api.StatusQueued, absent, api.StatusUploading},
		{api.StatusRunning, absent, api.StatusUploading},
		{api.StatusTerminating, absent, api.StatusTerminated},
		{api.StatusTerminating, present(api.QueueRunning), api.StatusTerminating},
		{api.StatusComplete, absent, api.StatusComplete},
		{api.StatusError, present(api.QueueRunning), api.StatusError},
	}
	for _, tc := range tests {
		if got := nextStatus(tc.current, tc.st); got != tc.want {
			t.Errorf("nextStatus(%s, %+v) = %s, want %s", tc.current, tc.st, got, tc.want)
		}
	}
}

func TestSubmitFlow(t *testing.T) {
	e, g, conn, broker := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{
		ID:       "j1",
		Name:     "sim",
		Status:   api.StatusCreated,
		Commands: []string{"./run"},
	})
	conn.exec = func(cmd string, ignore bool) ([]string, error) {
		if strings.Contains(cmd, "qsub") {
			return []string{`Your job 173 ("sim-j1.sh") has been submitted`}, nil
		}
		return nil, nil
	}

	task, _ := taskqueue.NewTask(taskqueue.QueueCommand, TaskSubmitJob, jobRef{ClusterID: "c1", JobID: "j1"})
	if err := e.handleSubmit(context.Background(), task); err != nil {
		t.Fatalf("handleSubmit: %v", err)
	}

	job := g.job("j1")
	if job.Status != api.StatusQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}
	if job.QueueJobID != "173" {
		t.Errorf("queueJobId = %q, want 173", job.QueueJobID)
	}
	if job.Dir != "jobs/j1" {
		t.Errorf("dir = %q, want jobs/j1", job.Dir)
	}
	if job.QueuedTime == 0 {
		t.Error("queuedTime not recorded")
	}
	script, ok := conn.files["jobs/j1/sim-j1.sh"]
	if !ok {
		t.Fatal("script not uploaded")
	}
	if !strings.HasPrefix(script, "#!/bin/sh\n") || !strings.Contains(script, "./run") {
		t.Errorf("script = %q", script)
	}
	if broker.Pending(taskqueue.QueueMonitor) != 1 {
		t.Error("monitor tick not scheduled")
	}
	if !g.jobLogContains("j1", "Submitted to sge as job 173") {
		t.Error("submit log entry missing")
	}
}

func TestSubmitClusterNotRunning(t *testing.T) {
	e, g, _, broker := newTestEngine(t)
	cluster := testCluster()
	cluster.Status = "error"
	g.addCluster(cluster)
	g.addJob(&api.Job{ID: "j1", Name: "sim", Status: api.StatusCreated})

	task, _ := taskqueue.NewTask(taskqueue.QueueCommand, TaskSubmitJob, jobRef{ClusterID: "c1", JobID: "j1"})
	if err := e.handleSubmit(context.Background(), task); err != nil {
		t.Fatalf("handleSubmit: %v", err)
	}
	if status := g.jobStatus("j1"); status != api.StatusUnexpectedError {
		t.Errorf("status = %s, want unexpectederror", status)
	}
	if broker.Pending(taskqueue.QueueMonitor) != 0 {
		t.Error("no monitor tick should be scheduled")
	}
}

func TestSubmitSchedulerRejection(t *testing.T) {
	e, g, conn, _ := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{ID: "j1", Name: "sim", Status: api.StatusCreated, Commands: []string{"./run"}})
	conn.exec = func(cmd string, ignore bool) ([]string, error) {
		if strings.Contains(cmd, "qsub") {
			return []string{"Something went wrong"}, nil
		}
		return nil, nil
	}

	task, _ := taskqueue.NewTask(taskqueue.QueueCommand, TaskSubmitJob, jobRef{ClusterID: "c1", JobID: "j1"})
	if err := e.handleSubmit(context.Background(), task); err == nil {
		t.Fatal("submit rejection should surface")
	}
	if status := g.jobStatus("j1"); status != api.StatusUnexpectedError {
		t.Errorf("status = %s, want unexpectederror", status)
	}
	if !g.jobLogContains("j1", "did not return a job id") {
		t.Error("rejection log entry missing")
	}
}

func TestMonitorQueuedToRunning(t *testing.T) {
	e, g, conn, broker := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{
		ID: "j1", Name: "sim", Status: api.StatusQueued,
		QueueJobID: "173", Dir: "jobs/j1", QueuedTime: time.Now().UnixMilli() - 1000,
	})
	conn.exec = func(cmd string, ignore bool) ([]string, error) {
		if strings.HasPrefix(cmd, "qstat") {
			return []string{"    173 0.5 sim-j1.sh alice r 08/29/2026 10:00:00"}, nil
		}
		return nil, nil
	}

	if err := e.handleMonitor(context.Background(), monitorTask(t, "j1")); err != nil {
		t.Fatalf("handleMonitor: %v", err)
	}
	job := g.job("j1")
	if job.Status != api.StatusRunning {
		t.Errorf("status = %s, want running", job.Status)
	}
	if job.RunningTime == 0 {
		t.Error("runningTime not recorded")
	}
	if job.Timings.Queued == nil || *job.Timings.Queued <= 0 {
		t.Error("queued timing not derived")
	}
	if broker.Pending(taskqueue.QueueMonitor) != 1 {
		t.Error("active job should re-enqueue the monitor")
	}
}

func TestMonitorRepeatedRunningIsIdempotent(t *testing.T) {
	e, g, conn, _ := newTestEngine(t)
	g.addCluster(testCluster())
	running := time.Now().UnixMilli() - 5000
	queued := int64(1000)
	g.addJob(&api.Job{
		ID: "j1", Name: "sim", Status: api.StatusRunning,
		QueueJobID: "173", Dir: "jobs/j1", RunningTime: running,
		Timings: api.Timings{Queued: &queued},
	})
	conn.exec = func(cmd string, ignore bool) ([]string, error) {
		if strings.HasPrefix(cmd, "qstat") {
			return []string{"    173 0.5 sim-j1.sh alice r 08/29/2026 10:00:00"}, nil
		}
		return nil, nil
	}

	if err := e.handleMonitor(context.Background(), monitorTask(t, "j1")); err != nil {
		t.Fatalf("handleMonitor: %v", err)
	}
	job := g.job("j1")
	if job.RunningTime != running {
		t.Errorf("runningTime overwritten: %d != %d", job.RunningTime, running)
	}
	if job.Timings.Queued == nil || *job.Timings.Queued != queued {
		t.Error("queued timing overwritten")
	}
}

func TestMonitorAbsentCompletesJob(t *testing.T) {
	e, g, _, broker := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{
		ID: "j1", Name: "sim", Status: api.StatusRunning,
		QueueJobID: "173", Dir: "jobs/j1", RunningTime: time.Now().UnixMilli() - 1000,
	})

	if err := e.handleMonitor(context.Background(), monitorTask(t, "j1")); err != nil {
		t.Fatalf("handleMonitor: %v", err)
	}
	job := g.job("j1")
	if job.Status != api.StatusComplete {
		t.Errorf("status = %s, want complete", job.Status)
	}
	if job.Timings.Running == nil || *job.Timings.Running <= 0 {
		t.Error("running timing not derived")
	}
	if !g.jobLogContains("j1", "Job complete") {
		t.Error("completion log entry missing")
	}
	if broker.Pending(taskqueue.QueueMonitor) != 0 {
		t.Error("settled job should not re-enqueue the monitor")
	}
}

func TestMonitorSkipsPersistedTerminated(t *testing.T) {
	e, g, conn, broker := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{ID: "j1", Name: "sim", Status: api.StatusTerminated, QueueJobID: "173"})

	if err := e.handleMonitor(context.Background(), monitorTask(t, "j1")); err != nil {
		t.Fatalf("handleMonitor: %v", err)
	}
	if len(conn.cmds) != 0 {
		t.Errorf("no scheduler query expected, ran %v", conn.cmds)
	}
	if broker.Pending(taskqueue.QueueMonitor) != 0 {
		t.Error("terminated job should drop out of monitoring")
	}
}

func TestMonitorUnknownTokenRetries(t *testing.T) {
	e, g, conn, broker := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{ID: "j1", Name: "sim", Status: api.StatusQueued, QueueJobID: "173", Dir: "jobs/j1"})
	conn.exec = func(cmd string, ignore bool) ([]string, error) {
		if strings.HasPrefix(cmd, "qstat") {
			return []string{"    173 0.5 sim-j1.sh alice zz 08/29/2026 10:00:00"}, nil
		}
		return nil, nil
	}

	if err := e.handleMonitor(context.Background(), monitorTask(t, "j1")); err != nil {
		t.Fatalf("handleMonitor: %v", err)
	}
	if status := g.jobStatus("j1"); status != api.StatusQueued {
		t.Errorf("status = %s, want unchanged queued", status)
	}
	if broker.Pending(taskqueue.QueueMonitor) != 1 {
		t.Error("unrecognized token should re-enqueue the tick")
	}
}

func TestMonitorUnknownSchedulerMarksCluster(t *testing.T) {
	e, g, _, broker := newTestEngine(t)
	cluster := testCluster()
	cluster.Config.Scheduler.Type = "condor"
	g.addCluster(cluster)
	g.addJob(&api.Job{ID: "j1", Name: "sim", Status: api.StatusQueued, QueueJobID: "173", Dir: "jobs/j1"})

	if err := e.handleMonitor(context.Background(), monitorTask(t, "j1")); err == nil {
		t.Fatal("unknown scheduler should surface")
	}
	g.mu.Lock()
	clusterStatus := g.clusters["c1"]["status"]
	g.mu.Unlock()
	if clusterStatus != "error" {
		t.Errorf("cluster status = %v, want error", clusterStatus)
	}
	if broker.Pending(taskqueue.QueueMonitor) != 0 {
		t.Error("hard failure should not re-enqueue the tick")
	}
}

func TestErrorRegExFailsJob(t *testing.T) {
	e, g, conn, _ := newTestEngine(t)
	g.addCluster(testCluster())
	noUpload := false
	g.addJob(&api.Job{
		ID: "j1", Name: "sim", Status: api.StatusRunning,
		QueueJobID: "173", Dir: "jobs/j1",
		UploadOutput: &noUpload,
		Output:       []api.Output{{Path: "out.txt", ErrorRegEx: "^error:"}},
	})
	conn.files["jobs/j1/out.txt"] = "step 1 ok\nerror: kaboom\nstep 2"

	if err := e.handleMonitor(context.Background(), monitorTask(t, "j1")); err != nil {
		t.Fatalf("handleMonitor: %v", err)
	}
	if status := g.jobStatus("j1"); status != api.StatusError {
		t.Errorf("status = %s, want error", status)
	}
	if !g.jobLogContains("j1", "error: kaboom") {
		t.Error("matched line not logged")
	}
}

func TestTerminateQueuedJob(t *testing.T) {
	e, g, conn, broker := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{
		ID: "j1", Name: "sim", Status: api.StatusQueued,
		QueueJobID: "173", Dir: "jobs/j1",
	})

	task, _ := taskqueue.NewTask(taskqueue.QueueCommand, TaskTerminateJob, jobRef{ClusterID: "c1", JobID: "j1"})
	if err := e.handleTerminate(context.Background(), task); err != nil {
		t.Fatalf("handleTerminate: %v", err)
	}
	if status := g.jobStatus("j1"); status != api.StatusTerminating {
		t.Errorf("status = %s, want terminating", status)
	}
	if !conn.ran("qdel 173") {
		t.Errorf("qdel not run: %v", conn.cmds)
	}
	if broker.Pending(taskqueue.QueueMonitor) != 1 {
		t.Fatal("monitor tick not scheduled")
	}

	// The job has left the queue; the next tick settles it.
	runNext(t, e, broker, taskqueue.QueueMonitor)
	if status := g.jobStatus("j1"); status != api.StatusTerminated {
		t.Errorf("status = %s, want terminated", status)
	}
	if !g.jobLogContains("j1", "Job terminated") {
		t.Error("termination log entry missing")
	}
}

func TestTerminateUnsubmittedJob(t *testing.T) {
	e, g, conn, _ := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{ID: "j1", Name: "sim", Status: api.StatusCreated})

	task, _ := taskqueue.NewTask(taskqueue.QueueCommand, TaskTerminateJob, jobRef{ClusterID: "c1", JobID: "j1"})
	if err := e.handleTerminate(context.Background(), task); err != nil {
		t.Fatalf("handleTerminate: %v", err)
	}
	if status := g.jobStatus("j1"); status != api.StatusTerminated {
		t.Errorf("status = %s, want terminated", status)
	}
	if len(conn.cmds) != 0 {
		t.Errorf("nothing to cancel, ran %v", conn.cmds)
	}
}

func TestTerminateTerminalJobIsNoop(t *testing.T) {
	e, g, conn, _ := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{ID: "j1", Name: "sim", Status: api.StatusComplete, QueueJobID: "173"})

	task, _ := taskqueue.NewTask(taskqueue.QueueCommand, TaskTerminateJob, jobRef{ClusterID: "c1", JobID: "j1"})
	if err := e.handleTerminate(context.Background(), task); err != nil {
		t.Fatalf("handleTerminate: %v", err)
	}
	if status := g.jobStatus("j1"); status != api.StatusComplete {
		t.Errorf("status = %s, want complete untouched", status)
	}
	if len(conn.cmds) != 0 {
		t.Errorf("terminal job should not touch the cluster, ran %v", conn.cmds)
	}
}

func TestTerminateControlPlaneFailuresEscalate(t *testing.T) {
	e, g, _, broker := newTestEngine(t)
	// No cluster record: every fetch fails against the control plane.
	g.addJob(&api.Job{ID: "j1", Name: "sim", Status: api.StatusQueued, QueueJobID: "173", Dir: "jobs/j1"})

	task, _ := taskqueue.NewTask(taskqueue.QueueCommand, TaskTerminateJob, jobRef{ClusterID: "c1", JobID: "j1"})
	if err := broker.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < escalateAfter; i++ {
		runNext(t, e, broker, taskqueue.QueueCommand)
	}
	if status := g.jobStatus("j1"); status != api.StatusUnexpectedError {
		t.Errorf("status = %s, want unexpectederror after repeated failures", status)
	}
	if broker.Pending(taskqueue.QueueCommand) != 0 {
		t.Error("escalated terminate must not re-enqueue")
	}
}

func TestUploadFolderOutput(t *testing.T) {
	e, g, conn, _ := newTestEngine(t)
	g.addCluster(testCluster())
	g.addFolder("f1")
	g.addJob(&api.Job{
		ID: "j1", Name: "sim", Status: api.StatusUploading,
		QueueJobID: "173", Dir: "jobs/j1",
		Output: []api.Output{{FolderID: "f1", Include: []string{"*.txt"}}},
	})
	conn.listing["jobs/j1"] = []api.FileEntry{
		{Name: "out.txt", Size: 5},
		{Name: "big.bin", Size: 9},
	}
	conn.files["jobs/j1/out.txt"] = "hello"

	task, _ := taskqueue.NewTask(taskqueue.QueueCommand, TaskUploadOutput, jobRef{ClusterID: "c1", JobID: "j1"})
	if err := e.handleUpload(context.Background(), task); err != nil {
		t.Fatalf("handleUpload: %v", err)
	}

	g.mu.Lock()
	listing := g.folders["f1"]
	if len(listing.Items) != 1 || listing.Items[0].Name != "out.txt" {
		t.Errorf("folder items = %+v, want only out.txt", listing.Items)
	}
	var uploaded string
	for id, parent := range g.uploadItems {
		if parent == listing.Items[0].ID {
			uploaded = g.chunks[id]
		}
	}
	g.mu.Unlock()
	if uploaded != "hello" {
		t.Errorf("uploaded content = %q, want hello", uploaded)
	}
	if status := g.jobStatus("j1"); status != api.StatusComplete {
		t.Errorf("status = %s, want complete", status)
	}
}

func TestUploadImportsViaAssetStore(t *testing.T) {
	e, g, conn, _ := newTestEngine(t)
	cluster := testCluster()
	cluster.Config.AssetStoreID = "store1"
	g.addCluster(cluster)
	g.addFolder("f1")
	g.addJob(&api.Job{
		ID: "j1", Name: "sim", Status: api.StatusUploading,
		QueueJobID: "173", Dir: "jobs/j1",
		Output: []api.Output{{FolderID: "f1"}},
	})
	conn.listing["jobs/j1"] = []api.FileEntry{{Name: "out.txt", Size: 5}}

	// The fake has no import endpoint, so the handler retries; what matters
	// here is that no bytes were streamed through the engine.
	task, _ := taskqueue.NewTask(taskqueue.QueueCommand, TaskUploadOutput, jobRef{ClusterID: "c1", JobID: "j1"})
	_ = e.handleUpload(context.Background(), task)
	g.mu.Lock()
	streamed := len(g.chunks)
	g.mu.Unlock()
	if streamed != 0 {
		t.Error("asset store import must not stream bytes through the engine")
	}
}

func TestUploadControlPlaneFailuresEscalate(t *testing.T) {
	e, g, _, broker := newTestEngine(t)
	// No cluster record: every fetch fails against the control plane.
	g.addJob(&api.Job{
		ID: "j1", Name: "sim", Status: api.StatusUploading,
		QueueJobID: "173", Dir: "jobs/j1",
		Output: []api.Output{{FolderID: "f1"}},
	})

	task, _ := taskqueue.NewTask(taskqueue.QueueCommand, TaskUploadOutput, jobRef{ClusterID: "c1", JobID: "j1"})
	if err := broker.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < escalateAfter; i++ {
		runNext(t, e, broker, taskqueue.QueueCommand)
	}
	if status := g.jobStatus("j1"); status != api.StatusUnexpectedError {
		t.Errorf("status = %s, want unexpectederror after repeated failures", status)
	}
	if !g.jobLogContains("j1", "control plane unavailable") {
		t.Error("escalation log entry missing")
	}
	if broker.Pending(taskqueue.QueueCommand) != 0 {
		t.Error("escalated upload must not re-enqueue")
	}
}

// failingBroker rejects enqueues on demand.
type failingBroker struct {
	*taskqueue.MemoryBroker
	fail bool
}

func (b *failingBroker) Enqueue(ctx context.Context, t taskqueue.Task) error {
	if b.fail {
		return fmt.Errorf("broker unavailable")
	}
	return b.MemoryBroker.Enqueue(ctx, t)
}

func TestUploadingStatusWaitsForUploadTask(t *testing.T) {
	g := newFakeGirder(t)
	gc := girder.New(g.srv.URL)
	gc.SetToken("tok")
	fb := &failingBroker{MemoryBroker: taskqueue.NewMemoryBroker(), fail: true}
	conn := newStubConn()
	connect := func(ctx context.Context, cluster *api.Cluster) (transport.Connection, error) {
		return conn, nil
	}
	e := New(gc, fb, connect, g.srv.URL, WithInterval(10*time.Millisecond))

	cluster := testCluster()
	g.addCluster(cluster)
	g.addJob(&api.Job{
		ID: "j1", Name: "sim", Status: api.StatusRunning,
		QueueJobID: "173", Dir: "jobs/j1",
		RunningTime: time.Now().UnixMilli() - 1000,
		Output:      []api.Output{{FolderID: "f1"}},
	})

	job := g.job("j1")
	if err := e.enterUploading(context.Background(), conn, job, cluster); err == nil {
		t.Fatal("enqueue failure should surface")
	}
	// The status write lands only after the upload task exists; otherwise a
	// redelivered monitor tick would drop the job with no task behind it.
	if status := g.jobStatus("j1"); status != api.StatusRunning {
		t.Errorf("status = %s, want running until the upload task is enqueued", status)
	}

	// Redelivery with a healthy broker picks the transition back up.
	fb.fail = false
	job = g.job("j1")
	if err := e.enterUploading(context.Background(), conn, job, cluster); err != nil {
		t.Fatalf("enterUploading: %v", err)
	}
	if status := g.jobStatus("j1"); status != api.StatusUploading {
		t.Errorf("status = %s, want uploading", status)
	}
	if fb.Pending(taskqueue.QueueCommand) != 1 {
		t.Error("upload task not enqueued")
	}
}

func TestBackgroundProcessAliveReenqueues(t *testing.T) {
	e, g, conn, broker := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{ID: "j1", Name: "sim", Status: api.StatusCreated, Dir: "jobs/j1"})
	conn.exec = func(cmd string, ignore bool) ([]string, error) {
		if strings.HasPrefix(cmd, "ps ") {
			return []string{"  555 pts/0 00:00:01 sh"}, nil
		}
		return nil, nil
	}

	task, _ := taskqueue.NewTask(taskqueue.QueueMonitor, TaskMonitorProcess,
		procPayload{jobRef: jobRef{ClusterID: "c1", JobID: "j1"}, PID: "555", NohupPath: "jobs/j1/fetch.sh.out"})
	if err := e.handleMonitorProcess(context.Background(), task); err != nil {
		t.Fatalf("handleMonitorProcess: %v", err)
	}
	if broker.Pending(taskqueue.QueueMonitor) != 1 {
		t.Error("live process should re-enqueue the tick")
	}
}

func TestBackgroundProcessOutputFailsJob(t *testing.T) {
	e, g, conn, _ := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{ID: "j1", Name: "sim", Status: api.StatusCreated, Dir: "jobs/j1"})
	conn.files["jobs/j1/fetch.sh.out"] = "Traceback (most recent call last):"

	task, _ := taskqueue.NewTask(taskqueue.QueueMonitor, TaskMonitorProcess,
		procPayload{jobRef: jobRef{ClusterID: "c1", JobID: "j1"}, PID: "555", NohupPath: "jobs/j1/fetch.sh.out"})
	if err := e.handleMonitorProcess(context.Background(), task); err != nil {
		t.Fatalf("handleMonitorProcess: %v", err)
	}
	if status := g.jobStatus("j1"); status != api.StatusError {
		t.Errorf("status = %s, want error", status)
	}
	if !g.jobLogContains("j1", "Traceback") {
		t.Error("helper output not logged")
	}
}

func TestBackgroundProcessCleanExitFiresNext(t *testing.T) {
	e, g, _, broker := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{ID: "j1", Name: "sim", Status: api.StatusCreated, Dir: "jobs/j1"})

	payload, _ := json.Marshal(jobRef{ClusterID: "c1", JobID: "j1"})
	task, _ := taskqueue.NewTask(taskqueue.QueueMonitor, TaskMonitorProcess, procPayload{
		jobRef: jobRef{ClusterID: "c1", JobID: "j1"}, PID: "555", NohupPath: "jobs/j1/fetch.sh.out",
		Next: &nextTask{Queue: taskqueue.QueueCommand, Kind: TaskLaunchJob, Payload: payload},
	})
	if err := e.handleMonitorProcess(context.Background(), task); err != nil {
		t.Fatalf("handleMonitorProcess: %v", err)
	}
	if broker.Pending(taskqueue.QueueCommand) != 1 {
		t.Error("clean exit should fire the continuation")
	}
}

func TestBackgroundProcessIgnoredAfterTerminate(t *testing.T) {
	e, g, conn, broker := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{ID: "j1", Name: "sim", Status: api.StatusTerminated, Dir: "jobs/j1"})

	task, _ := taskqueue.NewTask(taskqueue.QueueMonitor, TaskMonitorProcess,
		procPayload{jobRef: jobRef{ClusterID: "c1", JobID: "j1"}, PID: "555", NohupPath: "jobs/j1/fetch.sh.out"})
	if err := e.handleMonitorProcess(context.Background(), task); err != nil {
		t.Fatalf("handleMonitorProcess: %v", err)
	}
	if len(conn.cmds) != 0 || broker.Pending(taskqueue.QueueMonitor) != 0 {
		t.Error("terminated job should drop its helpers")
	}
}

func TestBackgroundProcessControlPlaneFailuresEscalate(t *testing.T) {
	e, g, _, broker := newTestEngine(t)
	// The job exists but its cluster record is gone from the control plane.
	g.addJob(&api.Job{ID: "j1", Name: "sim", Status: api.StatusCreated, Dir: "jobs/j1"})

	task, _ := taskqueue.NewTask(taskqueue.QueueMonitor, TaskMonitorProcess,
		procPayload{jobRef: jobRef{ClusterID: "c1", JobID: "j1"}, PID: "555", NohupPath: "jobs/j1/fetch.sh.out"})
	if err := broker.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < escalateAfter; i++ {
		runNext(t, e, broker, taskqueue.QueueMonitor)
	}
	if status := g.jobStatus("j1"); status != api.StatusUnexpectedError {
		t.Errorf("status = %s, want unexpectederror after repeated failures", status)
	}
	if broker.Pending(taskqueue.QueueMonitor) != 0 {
		t.Error("escalated tick must not re-enqueue")
	}
}

func TestOnCompleteTerminatesCluster(t *testing.T) {
	e, g, _, broker := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{
		ID: "j1", Name: "sim", Status: api.StatusRunning,
		QueueJobID: "173", Dir: "jobs/j1",
		OnComplete: api.OnComplete{Cluster: "terminate"},
	})

	if err := e.handleMonitor(context.Background(), monitorTask(t, "j1")); err != nil {
		t.Fatalf("handleMonitor: %v", err)
	}
	if status := g.jobStatus("j1"); status != api.StatusComplete {
		t.Errorf("status = %s, want complete", status)
	}
	if broker.Pending(taskqueue.QueueCommand) != 1 {
		t.Fatal("cluster terminate task not enqueued")
	}
	runNext(t, e, broker, taskqueue.QueueCommand)

	g.mu.Lock()
	clusterStatus := g.clusters["c1"]["status"]
	logs := len(g.clusterLogs["c1"])
	g.mu.Unlock()
	if clusterStatus != "terminating" {
		t.Errorf("cluster status = %v, want terminating", clusterStatus)
	}
	if logs == 0 {
		t.Error("cluster log entry missing")
	}
}

func TestItemInputStagesThroughHelper(t *testing.T) {
	e, g, conn, broker := newTestEngine(t)
	g.addCluster(testCluster())
	g.addJob(&api.Job{
		ID: "j1", Name: "sim", Status: api.StatusCreated,
		Commands: []string{"./run"},
		Input:    []api.Input{{ItemID: "item9", Path: "data"}},
	})
	conn.exec = func(cmd string, ignore bool) ([]string, error) {
		if strings.Contains(cmd, "nohup") {
			return []string{"4242"}, nil
		}
		if strings.Contains(cmd, "qsub") {
			return []string{`Your job 173 ("sim-j1.sh") has been submitted`}, nil
		}
		return nil, nil
	}

	task, _ := taskqueue.NewTask(taskqueue.QueueCommand, TaskSubmitJob, jobRef{ClusterID: "c1", JobID: "j1"})
	if err := e.handleSubmit(context.Background(), task); err != nil {
		t.Fatalf("handleSubmit: %v", err)
	}

	// The job is not submitted yet; a fetch helper is running instead.
	if status := g.jobStatus("j1"); status != api.StatusCreated {
		t.Errorf("status = %s, want created while staging", status)
	}
	script, ok := conn.files["jobs/j1/fetch-item9.sh"]
	if !ok {
		t.Fatal("fetch helper not uploaded")
	}
	if !strings.Contains(script, "girder-client") || !strings.Contains(script, "item9") {
		t.Errorf("helper script = %q", script)
	}
	if broker.Pending(taskqueue.QueueMonitor) != 1 {
		t.Fatal("process monitor not scheduled")
	}

	// Helper exits cleanly; the continuation stages the next index and,
	// finding none, launches the job.
	runNext(t, e, broker, taskqueue.QueueMonitor) // proc.monitor
	runNext(t, e, broker, taskqueue.QueueCommand) // job.stageitems -> launch
	if status := g.jobStatus("j1"); status != api.StatusQueued {
		t.Errorf("status = %s, want queued after staged launch", status)
	}
}

func TestSelectOutput(t *testing.T) {
	tests := []struct {
		rel      string
		include  []string
		exclude  []string
		selected bool
	}{
		{"out.txt", nil, nil, true},
		{"out.txt", []string{"*.txt"}, nil, true},
		{"out.bin", []string{"*.txt"}, nil, false},
		{"sub/out.txt", []string{"*.txt"}, nil, true},
		{"out.txt", nil, []string{"*.txt"}, false},
		{"out.txt", []string{"*.txt"}, []string{"out.*"}, false},
	}
	for _, tc := range tests {
		if got := selectOutput(tc.rel, tc.include, tc.exclude); got != tc.selected {
			t.Errorf("selectOutput(%q, %v, %v) = %v, want %v", tc.rel, tc.include, tc.exclude, got, tc.selected)
		}
	}
}

func TestJobDirResolution(t *testing.T) {
	cluster := &api.Cluster{ID: "c1", Config: api.ClusterConfig{JobOutputDir: "/scratch"}}
	job := &api.Job{ID: "j1"}
	if got := jobDir(job, cluster); got != "/scratch/j1" {
		t.Errorf("jobDir = %q, want /scratch/j1", got)
	}
	job.Params.JobOutputDir = "/fast"
	if got := jobDir(job, cluster); got != "/fast/j1" {
		t.Errorf("jobDir = %q, want /fast/j1 (job params win)", got)
	}
	if got := jobDir(&api.Job{ID: "j2"}, &api.Cluster{ID: "c1"}); got != "jobs/j2" {
		t.Errorf("jobDir = %q, want jobs/j2 default", got)
	}
}
