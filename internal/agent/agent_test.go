package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3cpo-dev/knot/internal/dispatch"
)

type funcRunner func(ctx context.Context, command string, args []any) any

func (f funcRunner) Run(ctx context.Context, command string, args []any) any {
	return f(ctx, command, args)
}

func echoRunner() Runner {
	return funcRunner(func(_ context.Context, command string, args []any) any {
		if command == "fail" {
			return remoteError("disk full")
		}
		return map[string]any{"command": command, "args": args}
	})
}

func newMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

// TestHeartbeat tests the heartbeat endpoint
func TestHeartbeat(t *testing.T) {
	srv := &Server{Version: "test", Hostname: "node1"}
	rr := httptest.NewRecorder()
	newMux(srv).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var resp HeartbeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version != "test" || resp.Host != "node1" {
		t.Fatalf("heartbeat %+v", resp)
	}
}

// TestCall tests that results are keyed by the agent hostname
func TestCall(t *testing.T) {
	srv := &Server{Hostname: "node1", Runner: echoRunner()}
	body, _ := json.Marshal(CallRequest{Command: "vm.start_vm", Args: []any{"kvm", "vm-1"}})
	rr := httptest.NewRecorder()
	newMux(srv).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v0/call", bytes.NewReader(body)))
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var resp CallResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	res, ok := resp.Result["node1"].(map[string]any)
	if !ok || res["command"] != "vm.start_vm" {
		t.Fatalf("result %v", resp.Result)
	}
}

// TestToken tests bearer token enforcement
func TestToken(t *testing.T) {
	srv := &Server{Hostname: "node1", Token: "secret", Runner: echoRunner()}
	mux := newMux(srv)
	body := `{"command":"uptime"}`

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v0/call", strings.NewReader(body)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v0/call", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

// TestBadRequest tests request validation
func TestBadRequest(t *testing.T) {
	mux := newMux(&Server{Hostname: "node1", Runner: echoRunner()})
	for _, body := range []string{`{`, `{"args":[]}`} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v0/call", strings.NewReader(body)))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d", body, rr.Code)
		}
	}
}

func TestJobTable(t *testing.T) {
	jobs := newJobTable()
	release := make(chan struct{})
	id := jobs.start(func() any {
		<-release
		return "ok"
	})
	if st, _ := jobs.status(id); st != dispatch.JobPending {
		t.Fatalf("status %s", st)
	}
	close(release)
	deadline := time.Now().Add(time.Second)
	for {
		st, res := jobs.status(id)
		if st == dispatch.JobFinished {
			if res != "ok" {
				t.Fatalf("result %v", res)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished")
		}
		time.Sleep(time.Millisecond)
	}
	if st, _ := jobs.status(id); st != dispatch.JobLost {
		t.Fatalf("reported job not forgotten: %s", st)
	}
	if st, _ := jobs.status("nope"); st != dispatch.JobLost {
		t.Fatalf("unknown job: %s", st)
	}
}

// TestClientRoundTrip runs both executors against a live agent whose
// hostname differs from the address used to reach it.
func TestClientRoundTrip(t *testing.T) {
	srv := &Server{Hostname: "localhost.localdomain", Token: "tok", Runner: echoRunner()}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	host := strings.TrimPrefix(ts.URL, "http://")

	reg := dispatch.NewRegistry(NewFactory(ClientConfig{Token: "tok"}), nil)
	res, err := dispatch.NewSyncExecutor(host, "vm.start_vm", reg, time.Second, nil, nil).Run(context.Background(), "kvm", "vm-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.(map[string]any)["command"] != "vm.start_vm" {
		t.Fatalf("sync result %v", res)
	}

	res, err = dispatch.NewAsyncExecutor(host, "vm.deploy_vm", reg, 5*time.Millisecond, 0, nil).Run(context.Background(), "kvm")
	if err != nil {
		t.Fatalf("async: %v", err)
	}
	if res.(map[string]any)["command"] != "vm.deploy_vm" {
		t.Fatalf("async result %v", res)
	}

	_, err = dispatch.NewAsyncExecutor(host, "fail", reg, 5*time.Millisecond, 0, nil).Run(context.Background())
	var remote *dispatch.RemoteOperationError
	if !errors.As(err, &remote) || remote.Error() != "disk full" {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestClientUnauthorized(t *testing.T) {
	srv := &Server{Hostname: "node1", Token: "tok", Runner: echoRunner()}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	f := NewFactory(ClientConfig{})
	c, _ := f.SyncClient(strings.TrimPrefix(ts.URL, "http://"))
	if _, err := c.Call(context.Background(), "uptime", nil); err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func writeHook(t *testing.T, dir, name, script string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestHookRunner(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "vm.list_vms", "cat\n")
	writeHook(t, dir, "host.uptime", "echo up 3 days\n")
	writeHook(t, dir, "vm.destroy_vm", "echo 'no such vm' >&2\nexit 3\n")
	h := HookRunner{Dir: dir, Timeout: 5 * time.Second}
	ctx := context.Background()

	got := h.Run(ctx, "vm.list_vms", []any{"kvm", 1.0})
	args, ok := got.([]any)
	if !ok || len(args) != 2 || args[0] != "kvm" {
		t.Fatalf("json payload %v", got)
	}
	if got := h.Run(ctx, "host.uptime", nil); got != "up 3 days" {
		t.Fatalf("string payload %v", got)
	}
	got = h.Run(ctx, "vm.destroy_vm", nil)
	if !isRemoteError(got) || got.([]any)[1] != "no such vm" {
		t.Fatalf("error payload %v", got)
	}
	for _, cmd := range []string{"missing", "../etc/passwd"} {
		if !isRemoteError(h.Run(ctx, cmd, nil)) {
			t.Errorf("%s: expected remote error", cmd)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("KNOT_AGENT_TOKEN", "from-env")
	path := filepath.Join(t.TempDir(), "agent.yaml")
	yaml := "addr: 127.0.0.1:9000\nhostname: node7\nhooks_dir: /opt/hooks\nhook_timeout: 30\ntoken: from-file\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" || cfg.Hostname != "node7" || cfg.Token != "from-env" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if r := cfg.Runner(); r.Dir != "/opt/hooks" || r.Timeout != 30*time.Second {
		t.Fatalf("unexpected runner %+v", r)
	}

	cfg, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil || cfg.Addr != ":8088" {
		t.Fatalf("expected defaults, got %+v, %v", cfg, err)
	}
}
