package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/3cpo-dev/knot/internal/dispatch"
)

// ClientConfig describes how the orchestrator reaches host agents.
type ClientConfig struct {
	Scheme string
	Port   int
	Token  string
	TLS    *tls.Config
	// PollTimeout bounds each job submission and status request.
	PollTimeout time.Duration
}

// Factory builds HTTP clients for host agents. It implements
// dispatch.ClientFactory.
type Factory struct {
	cfg ClientConfig
}

func NewFactory(cfg ClientConfig) *Factory {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
		if cfg.TLS != nil {
			cfg.Scheme = "https"
		}
	}
	if cfg.Port == 0 {
		cfg.Port = 8088
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	return &Factory{cfg: cfg}
}

func (f *Factory) baseURL(host string) string {
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(f.cfg.Port))
	}
	return f.cfg.Scheme + "://" + host
}

func (f *Factory) transport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = f.cfg.TLS
	return t
}

// SyncClient returns a client without a request timeout: the executor
// bounds each call through its context.
func (f *Factory) SyncClient(host string) (dispatch.SyncClient, error) {
	return &SyncClient{
		base:  f.baseURL(host),
		token: f.cfg.Token,
		http:  &http.Client{Transport: f.transport()},
	}, nil
}

func (f *Factory) AsyncClient(host string) (dispatch.AsyncClient, error) {
	return &AsyncClient{
		base:  f.baseURL(host),
		token: f.cfg.Token,
		http:  &http.Client{Transport: f.transport(), Timeout: f.cfg.PollTimeout},
	}, nil
}

type SyncClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *SyncClient) Call(ctx context.Context, command string, args []any) (dispatch.ResultMap, error) {
	var resp CallResponse
	if err := doJSON(ctx, c.http, c.token, http.MethodPost, c.base+"/v0/call", CallRequest{Command: command, Args: args}, &resp); err != nil {
		return nil, err
	}
	return dispatch.ResultMap(resp.Result), nil
}

type AsyncClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *AsyncClient) Submit(ctx context.Context, command string, args []any) (string, error) {
	var resp JobSubmitResponse
	if err := doJSON(ctx, c.http, c.token, http.MethodPost, c.base+"/v0/jobs", CallRequest{Command: command, Args: args}, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("submit %s: empty job id", command)
	}
	return resp.JobID, nil
}

func (c *AsyncClient) Poll(ctx context.Context, jobID string) (dispatch.JobStatus, dispatch.ResultMap, error) {
	var resp JobStatusResponse
	if err := doJSON(ctx, c.http, c.token, http.MethodGet, c.base+"/v0/jobs/"+jobID, nil, &resp); err != nil {
		return "", nil, err
	}
	return dispatch.JobStatus(resp.Status), dispatch.ResultMap(resp.Result), nil
}

func doJSON(ctx context.Context, client *http.Client, token, method, url string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("agent %s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("agent %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
