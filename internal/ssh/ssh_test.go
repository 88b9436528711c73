package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3cpo-dev/knot/internal/agent"
	"github.com/3cpo-dev/knot/internal/dispatch"
	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

type execHandler func(command string, stdin []byte) (stdout []byte, status uint32)

type testServer struct {
	addr        string
	knownHosts  xssh.HostKeyCallback
	signer      xssh.Signer
	connections atomic.Int32
}

func newSigner(t *testing.T) xssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// startServer runs an in-process SSH server that accepts only the returned
// client key and answers exec requests with handle and sftp subsystem
// requests from the local filesystem.
func startServer(t *testing.T, handle execHandler) *testServer {
	t.Helper()
	ts := &testServer{signer: newSigner(t)}
	hostKey := newSigner(t)
	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(_ xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), ts.signer.PublicKey().Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	ts.addr = ln.Addr().String()

	kh := filepath.Join(t.TempDir(), "known_hosts")
	if err := AppendKnownHost(kh, ts.addr, string(xssh.MarshalAuthorizedKey(hostKey.PublicKey()))); err != nil {
		t.Fatal(err)
	}
	if ts.knownHosts, err = LoadKnownHostsCallback(kh); err != nil {
		t.Fatal(err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			ts.connections.Add(1)
			go serveConn(conn, cfg, handle)
		}
	}()
	return ts
}

func serveConn(conn net.Conn, cfg *xssh.ServerConfig, handle execHandler) {
	_, chans, reqs, err := xssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go xssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(xssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests, handle)
	}
}

func serveSession(ch xssh.Channel, reqs <-chan *xssh.Request, handle execHandler) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var p struct{ Command string }
			if err := xssh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go xssh.DiscardRequests(reqs)
			stdin, _ := io.ReadAll(ch)
			out, status := handle(p.Command, stdin)
			ch.Write(out)
			ch.SendRequest("exit-status", false, xssh.Marshal(struct{ Status uint32 }{status}))
			return
		case "subsystem":
			var p struct{ Name string }
			if err := xssh.Unmarshal(req.Payload, &p); err != nil || p.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go xssh.DiscardRequests(reqs)
			srv, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			srv.Serve()
			return
		default:
			req.Reply(false, nil)
		}
	}
}

func (ts *testServer) transport() *Transport {
	return NewTransport(TransportConfig{Signer: ts.signer, KnownHosts: ts.knownHosts, Timeout: 5 * time.Second})
}

func agentHandler(t *testing.T) execHandler {
	return func(command string, stdin []byte) ([]byte, uint32) {
		if command != "knot-agent call" {
			return []byte("unknown command"), 127
		}
		var req agent.CallRequest
		if err := json.Unmarshal(stdin, &req); err != nil {
			t.Errorf("decode call: %v", err)
			return nil, 1
		}
		out, _ := json.Marshal(agent.CallResponse{Result: map[string]any{
			"node1": append([]any{req.Command}, req.Args...),
		}})
		return out, 0
	}
}

func TestTransportCall(t *testing.T) {
	ts := startServer(t, agentHandler(t))
	client, err := ts.transport().SyncClient(ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := client.Call(ctx, "vm.start", []any{"kvm", "vm-1"})
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		got, err := dispatch.ShapeResult(ts.addr, "vm.start", res)
		if err != nil {
			t.Fatal(err)
		}
		want := []any{"vm.start", "kvm", "vm-1"}
		items, _ := got.([]any)
		if len(items) != len(want) || items[0] != want[0] || items[2] != want[2] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if n := ts.connections.Load(); n != 1 {
		t.Fatalf("expected the connection to be reused, dialled %d times", n)
	}
}

func TestTransportCallExitStatus(t *testing.T) {
	ts := startServer(t, func(string, []byte) ([]byte, uint32) { return nil, 2 })
	client, _ := ts.transport().SyncClient(ts.addr)
	_, err := client.Call(context.Background(), "vm.start", nil)
	var exit *xssh.ExitError
	if !errors.As(err, &exit) || exit.ExitStatus() != 2 {
		t.Fatalf("expected exit status 2, got %v", err)
	}
}

func TestTransportUnknownHostKey(t *testing.T) {
	ts := startServer(t, agentHandler(t))
	other := startServer(t, agentHandler(t))
	tr := NewTransport(TransportConfig{Signer: ts.signer, KnownHosts: other.knownHosts, Timeout: 5 * time.Second})
	client, _ := tr.SyncClient(ts.addr)
	_, err := client.Call(context.Background(), "vm.start", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown host key") {
		t.Fatalf("expected host key verification to fail, got %v", err)
	}
}

func TestTransportAsync(t *testing.T) {
	tr := NewTransport(TransportConfig{})
	if _, err := tr.AsyncClient("h1"); !errors.Is(err, ErrAsyncUnsupported) {
		t.Fatalf("expected ErrAsyncUnsupported, got %v", err)
	}
	jobs := agent.NewFactory(agent.ClientConfig{})
	tr = NewTransport(TransportConfig{Jobs: jobs})
	if c, err := tr.AsyncClient("h1"); err != nil || c == nil {
		t.Fatalf("expected delegated job client, got %v", err)
	}
	if _, err := tr.SyncClient("h1"); err == nil {
		t.Fatal("expected missing key error")
	}
}

func unquote(s string) string {
	return strings.ReplaceAll(strings.Trim(s, "'"), `'\''`, "'")
}

func fileHandler(corrupt bool) execHandler {
	return func(command string, _ []byte) ([]byte, uint32) {
		switch {
		case strings.HasPrefix(command, "sha256sum "):
			name := unquote(strings.TrimPrefix(command, "sha256sum "))
			b, err := os.ReadFile(name)
			if err != nil {
				return nil, 1
			}
			if corrupt {
				b = append(b, 'x')
			}
			sum := sha256.Sum256(b)
			return []byte(hex.EncodeToString(sum[:]) + "  " + name + "\n"), 0
		case strings.HasPrefix(command, "rm -f "):
			os.Remove(unquote(strings.TrimPrefix(command, "rm -f ")))
			return nil, 0
		}
		return nil, 127
	}
}

func TestTemplateTransfer(t *testing.T) {
	ts := startServer(t, fileHandler(false))
	dir := t.TempDir()
	local := filepath.Join(dir, "debian.tar.gz")
	if err := os.WriteFile(local, []byte("template contents"), 0644); err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(dir, "templates", "kvm", "debian.tar.gz")

	tt := &TemplateTransfer{Client: ts.transport().Client(ts.addr)}
	sum, err := tt.Push(context.Background(), local, remote)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	want := sha256.Sum256([]byte("template contents"))
	if sum != hex.EncodeToString(want[:]) {
		t.Fatalf("checksum %s", sum)
	}
	b, err := os.ReadFile(remote)
	if err != nil || string(b) != "template contents" {
		t.Fatalf("remote file %q, %v", b, err)
	}
}

func TestTemplateTransferChecksumMismatch(t *testing.T) {
	ts := startServer(t, fileHandler(true))
	dir := t.TempDir()
	local := filepath.Join(dir, "debian.tar.gz")
	if err := os.WriteFile(local, []byte("template contents"), 0644); err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(dir, "remote", "debian.tar.gz")

	tt := &TemplateTransfer{Client: ts.transport().Client(ts.addr)}
	if _, err := tt.Push(context.Background(), local, remote); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if _, err := os.Stat(remote); !os.IsNotExist(err) {
		t.Fatalf("corrupt upload should be removed, stat: %v", err)
	}
}
