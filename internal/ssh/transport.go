package ssh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/3cpo-dev/knot/internal/agent"
	"github.com/3cpo-dev/knot/internal/dispatch"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// ErrAsyncUnsupported is returned for job clients when no job transport is
// configured next to SSH.
var ErrAsyncUnsupported = errors.New("ssh transport does not support asynchronous jobs")

type TransportConfig struct {
	User       string
	Port       int
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	// Timeout bounds connection setup only; calls are bounded by the executor.
	Timeout time.Duration
	Retries int
	// AgentCommand is the remote agent binary, knot-agent by default.
	AgentCommand string
	// Jobs serves AsyncClient. SSH has no job protocol of its own.
	Jobs dispatch.ClientFactory
}

// Transport runs agent calls over SSH by executing `knot-agent call` on the
// host. It implements dispatch.ClientFactory.
type Transport struct {
	cfg TransportConfig
}

func NewTransport(cfg TransportConfig) *Transport {
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.AgentCommand == "" {
		cfg.AgentCommand = "knot-agent"
	}
	return &Transport{cfg: cfg}
}

// Client returns the connection settings for host.
func (t *Transport) Client(host string) *Client {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(t.cfg.Port))
	}
	return &Client{
		Addr:       addr,
		User:       t.cfg.User,
		Signer:     t.cfg.Signer,
		KnownHosts: t.cfg.KnownHosts,
		Timeout:    t.cfg.Timeout,
		Retries:    t.cfg.Retries,
	}
}

func (t *Transport) SyncClient(host string) (dispatch.SyncClient, error) {
	if t.cfg.Signer == nil {
		return nil, errors.New("ssh transport: no private key configured")
	}
	return &CallClient{client: t.Client(host), command: t.cfg.AgentCommand + " call"}, nil
}

func (t *Transport) AsyncClient(host string) (dispatch.AsyncClient, error) {
	if t.cfg.Jobs == nil {
		return nil, ErrAsyncUnsupported
	}
	return t.cfg.Jobs.AsyncClient(host)
}

// CallClient keeps one SSH connection per host and opens a session per call.
type CallClient struct {
	client  *Client
	command string

	mu   sync.Mutex
	conn *xssh.Client
}

func (c *CallClient) connect(ctx context.Context) (*xssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.client.Dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// reset drops conn if it is still the cached connection.
func (c *CallClient) reset(conn *xssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *CallClient) Call(ctx context.Context, command string, args []any) (dispatch.ResultMap, error) {
	if args == nil {
		args = []any{}
	}
	req, err := json.Marshal(agent.CallRequest{Command: command, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	out, err := Run(ctx, conn, c.command, req)
	if err != nil {
		var exit *xssh.ExitError
		if !errors.As(err, &exit) && ctx.Err() == nil {
			log.Debug().Err(err).Str("system", "ssh").Str("addr", c.client.Addr).Msg("dropping connection")
			c.reset(conn)
		}
		return nil, err
	}
	var resp agent.CallResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", c.client.Addr, err)
	}
	return dispatch.ResultMap(resp.Result), nil
}
