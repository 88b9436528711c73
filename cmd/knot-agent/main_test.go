package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3cpo-dev/knot/internal/agent"
)

func TestCallCommand(t *testing.T) {
	hooks := t.TempDir()
	if err := os.WriteFile(filepath.Join(hooks, "vm.list_vms"), []byte("#!/bin/sh\ncat\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(cfgPath, []byte("hostname: node1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader(`{"command":"vm.list_vms","args":["kvm"]}`))
	root.SetArgs([]string{"call", "--config", cfgPath, "--hooks", hooks})
	if err := root.Execute(); err != nil {
		t.Fatalf("call: %v", err)
	}

	var resp agent.CallResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	args, ok := resp.Result["node1"].([]any)
	if !ok || len(args) != 1 || args[0] != "kvm" {
		t.Fatalf("unexpected result %v", resp.Result)
	}
}

func TestCallCommandRejectsEmptyRequest(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetIn(strings.NewReader(`{}`))
	root.SetArgs([]string{"call", "--config", filepath.Join(t.TempDir(), "none.yaml")})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for a request without command")
	}
}
