package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd      *exec.Cmd
	stdout   *lockedBuffer
	url      string
	tempRoot string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "isoreg-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "isoregd")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/isoregd")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// startServer launches the binary on addr with extra environment variables.
func startServer(t *testing.T, binary, addr string, env ...string) *serverProc {
	t.Helper()

	dir := t.TempDir()
	tempRoot := filepath.Join(dir, "contexts")

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"ISOREG_LISTEN_ADDR="+addr,
		"ISOREG_DB_PATH="+filepath.Join(dir, "test.db"),
		"ISOREG_TEMP_ROOT="+tempRoot,
		"ISOREG_LOG_LEVEL=info",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:      cmd,
		stdout:   stdout,
		url:      "http://" + addr,
		tempRoot: tempRoot,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func do(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

// waitForContent polls a resource until it has the wanted content.
func waitForContent(t *testing.T, url, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode == 200 && string(data) == want {
				return
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("%s did not serve %q in time", url, want)
}

func TestBinaryStartsAndServesHealthz(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, freeAddr(t), "ISOREG_NODE_ID=node-e2e")

	status, body := do(t, http.MethodGet, sp.url+"/healthz", "")
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if health["status"] != "ok" || health["node"] != "node-e2e" {
		t.Errorf("health = %v", health)
	}
}

func TestMetrics(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, freeAddr(t))

	status, body := do(t, http.MethodGet, sp.url+"/metrics", "")
	if status != 200 {
		t.Errorf("status = %d, want 200", status)
	}
	for _, name := range []string{"isoreg_http_requests_total", "isoreg_registry_scopes", "isoreg_cluster_deliveries_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestScopeLifecycle(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, freeAddr(t))

	if status, body := do(t, http.MethodPut, sp.url+"/v1/processes/77/tenant", `{"tenant_id":5}`); status != 200 {
		t.Fatalf("assign tenant: %d %s", status, body)
	}

	status, body := do(t, http.MethodPost, sp.url+"/v1/scopes/process/77", "")
	if status != 200 {
		t.Fatalf("create scope: %d %s", status, body)
	}
	var created map[string]any
	json.Unmarshal(body, &created)
	parent, _ := created["parent"].(map[string]any)
	if parent["type"] != "tenant" || parent["id"] != float64(5) {
		t.Errorf("parent = %v, want tenant:5", created["parent"])
	}

	// Tenant content is visible to the process through delegation.
	upload := `{"resources":[{"name":"shared.txt","content":"dGVuYW50"}]}`
	if status, body := do(t, http.MethodPut, sp.url+"/v1/scopes/tenant/5/resources", upload); status != 202 {
		t.Fatalf("upload: %d %s", status, body)
	}
	waitForContent(t, sp.url+"/v1/scopes/process/77/content/shared.txt", "tenant")

	status, body = do(t, http.MethodDelete, sp.url+"/v1/scopes/tenant/5", "")
	if status != 409 || !strings.Contains(string(body), "process") {
		t.Errorf("remove parent: %d %s, want 409 naming the child", status, body)
	}
	for _, path := range []string{"/v1/scopes/process/77", "/v1/scopes/tenant/5"} {
		if status, body := do(t, http.MethodDelete, sp.url+path, ""); status != 204 {
			t.Errorf("DELETE %s: %d %s", path, status, body)
		}
	}
}

func TestDeployDirectory(t *testing.T) {
	binary := getBinary(t)
	deploy := t.TempDir()
	path := filepath.Join(deploy, "tenant", "3", "conf", "app.txt")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	sp := startServer(t, binary, freeAddr(t), "ISOREG_DEPLOY_DIR="+deploy)
	waitForContent(t, sp.url+"/v1/scopes/tenant/3/content/conf/app.txt", "v1")

	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForContent(t, sp.url+"/v1/scopes/tenant/3/content/conf/app.txt", "v2")
}

func TestClusterBroadcast(t *testing.T) {
	binary := getBinary(t)

	addrB := freeAddr(t)
	nodeB := startServer(t, binary, addrB, "ISOREG_NODE_ID=node-b")

	clusterFile := filepath.Join(t.TempDir(), "cluster.yaml")
	peers := fmt.Sprintf("peers:\n  - id: node-b\n    url: http://%s\n", addrB)
	if err := os.WriteFile(clusterFile, []byte(peers), 0o644); err != nil {
		t.Fatal(err)
	}
	nodeA := startServer(t, binary, freeAddr(t), "ISOREG_NODE_ID=node-a", "ISOREG_CLUSTER_FILE="+clusterFile)

	upload := `{"resources":[{"name":"b.txt","content":"Yg=="}]}`
	if status, body := do(t, http.MethodPut, nodeB.url+"/v1/scopes/global/0/resources", upload); status != 202 {
		t.Fatalf("upload to B: %d %s", status, body)
	}
	waitForContent(t, nodeB.url+"/v1/scopes/global/0/content/b.txt", "b")

	// A commit on node A is broadcast to node B.
	upload = `{"resources":[{"name":"a.txt","content":"YQ=="}]}`
	if status, body := do(t, http.MethodPut, nodeA.url+"/v1/scopes/global/0/resources", upload); status != 202 {
		t.Fatalf("upload to A: %d %s", status, body)
	}
	waitForContent(t, nodeA.url+"/v1/scopes/global/0/content/a.txt", "a")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(nodeB.stdout.String(), `"msg":"applying remote refresh"`) {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("node B never applied the broadcast refresh\nnode A:\n%s\nnode B:\n%s", nodeA.stdout.String(), nodeB.stdout.String())
}

func TestGracefulShutdownRemovesContexts(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, freeAddr(t))

	if status, body := do(t, http.MethodPost, sp.url+"/v1/scopes/tenant/9", ""); status != 200 {
		t.Fatalf("create scope: %d %s", status, body)
	}
	// One private directory for the process, holding global:0 and tenant:9.
	instances, err := os.ReadDir(sp.tempRoot)
	if err != nil || len(instances) != 1 {
		t.Fatalf("temp root entries = %d, %v; want 1", len(instances), err)
	}
	entries, err := os.ReadDir(filepath.Join(sp.tempRoot, instances[0].Name()))
	if err != nil || len(entries) != 2 {
		t.Fatalf("context dirs = %d, %v; want 2", len(entries), err)
	}

	if err := sp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- sp.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("server did not exit after SIGTERM")
	}

	entries, _ = os.ReadDir(sp.tempRoot)
	if len(entries) != 0 {
		t.Errorf("temp root has %d entries after shutdown", len(entries))
	}
}

func TestStructuredJSONLogs(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, freeAddr(t))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	// Poll for log output with a deadline.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), `"msg":"request"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	foundRequestLog := false
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal([]byte(scanner.Text()), &entry); err != nil {
			continue
		}
		if msg, ok := entry["msg"].(string); ok && msg == "request" {
			foundRequestLog = true
			for _, key := range []string{"method", "path", "status", "duration_ms"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing field %q", key)
				}
			}
		}
	}
	if !foundRequestLog {
		t.Errorf("no structured request log found in stdout\noutput:\n%s", sp.stdout.String())
	}
}
