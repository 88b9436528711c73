package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestFullWorkflow drives the knot and knot-agent binaries end to end: a
// host running the agent, a container on it and a VM deployed and started
// through agent hooks.
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	bin := filepath.Join(tmpDir, "bin")
	if err := buildBinaries(bin); err != nil {
		t.Fatalf("Failed to build binaries: %v", err)
	}

	port := freePort(t)
	hooks := writeHooks(t, tmpDir)
	configPath := writeConfig(t, tmpDir, port)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	agentCmd := exec.CommandContext(ctx, filepath.Join(bin, "knot-agent"),
		"serve", "--config", filepath.Join(tmpDir, "agent.yaml"),
		"--addr", fmt.Sprintf("127.0.0.1:%d", port), "--hooks", hooks)
	if err := agentCmd.Start(); err != nil {
		t.Fatalf("Failed to start agent: %v", err)
	}
	defer func() {
		if agentCmd.Process != nil {
			_ = agentCmd.Process.Kill()
		}
	}()
	waitForAgent(t, port)

	knot := func(args ...string) string {
		t.Helper()
		args = append([]string{"--config", configPath, "--as", "admin"}, args...)
		cmd := exec.CommandContext(ctx, filepath.Join(bin, "knot"), args...)
		output, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("knot %v failed: %v\nOutput: %s", args, err, output)
		}
		return string(output)
	}

	t.Run("Version", func(t *testing.T) {
		if out := knot("version"); !strings.Contains(out, "knot") {
			t.Fatalf("unexpected version output: %s", out)
		}
	})

	t.Run("Setup", func(t *testing.T) {
		knot("principal", "add", "admin")
		knot("pool", "add", "lab", "10.0.0.10", "10.0.0.20")
		knot("compute", "create", "--id", "h1", "--hostname", "127.0.0.1", "--kind", "host", "--state", "active")
		knot("container", "add", "c1", "kvm", "--host", "h1")
	})

	t.Run("Deploy", func(t *testing.T) {
		knot("compute", "create", "--id", "vm1", "--hostname", "web1", "--container", "c1", "--memory", "2")
		out := knot("compute", "show", "vm1")
		if !strings.Contains(out, `"deployed": true`) {
			t.Fatalf("vm1 not deployed: %s", out)
		}
		if !strings.Contains(out, `"ipv4_address": "10.0.0.10"`) {
			t.Fatalf("vm1 has no pool address: %s", out)
		}
	})

	t.Run("Action", func(t *testing.T) {
		if out := knot("compute", "action", "vm1", "start"); !strings.Contains(out, "started") {
			t.Fatalf("unexpected start output: %s", out)
		}
	})

	t.Run("Audit", func(t *testing.T) {
		if out := knot("principal", "log", "admin"); !strings.Contains(out, "Deployed compute web1") {
			t.Fatalf("audit log misses the deploy: %s", out)
		}
	})
}

func buildBinaries(dir string) error {
	for _, name := range []string{"knot", "knot-agent"} {
		cmd := exec.Command("go", "build", "-o", filepath.Join(dir, name), "./cmd/"+name)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("build %s failed: %v\nOutput: %s", name, err, output)
		}
	}
	return nil
}

func writeHooks(t *testing.T, tmpDir string) string {
	t.Helper()
	dir := filepath.Join(tmpDir, "hooks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	hooks := map[string]string{
		"vm.deploy_vm": "#!/bin/sh\ncat >/dev/null\necho true\n",
		"vm.start_vm":  "#!/bin/sh\ncat >/dev/null\necho '\"started\"'\n",
		"vm.set_owner": "#!/bin/sh\ncat >/dev/null\necho true\n",
	}
	for name, body := range hooks {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func writeConfig(t *testing.T, tmpDir string, port int) string {
	t.Helper()
	agentCfg := "hostname: 127.0.0.1\nhook_timeout: 10\n"
	if err := os.WriteFile(filepath.Join(tmpDir, "agent.yaml"), []byte(agentCfg), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := fmt.Sprintf(`store:
  path: %s
agent:
  port: %d
  scheme: http
dispatch:
  hard_timeout: 10
  poll_deadline: 20
vms:
  auto_allocate: true
  create_delay_ms: 0
`, filepath.Join(tmpDir, "knot.db"), port)
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitForAgent(t *testing.T, port int) {
	t.Helper()
	url := fmt.Sprintf("http://127.0.0.1:%d/v0/heartbeat", port)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("agent did not come up on port %d", port)
}
