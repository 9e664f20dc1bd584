package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client talks to a convoy-agent.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

// Heartbeat fetches the agent's liveness report.
func (c *Client) Heartbeat(ctx context.Context) (HeartbeatResponse, error) {
	var out HeartbeatResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/v0/heartbeat"), nil)
	if err != nil {
		return out, err
	}
	return out, c.do(req, &out)
}

// Exec runs a command on the agent's host. A non-zero exit code is not an
// error; inspect ExecResponse.ExitCode.
func (c *Client) Exec(ctx context.Context, r ExecRequest) (ExecResponse, error) {
	var out ExecResponse
	body, err := json.Marshal(r)
	if err != nil {
		return out, fmt.Errorf("marshal exec request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/v0/exec"), bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return out, c.do(req, &out)
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent %s: %s: %s", req.URL.Path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	return nil
}
