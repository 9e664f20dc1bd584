package actions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/3cpo-dev/convoy/internal/core"
)

const maxBody = 64 << 10

// HTTPCall sends a request and succeeds when the status code is within
// Expect's range (any 2xx by default). The URL may reference the target with
// {{host}} and {{target}}.
type HTTPCall struct {
	Method  string
	URL     string
	Body    string
	Headers map[string]string
	Expect  core.Matcher
	Client  *http.Client
}

func (h *HTTPCall) Describe() string { return fmt.Sprintf("http: %s %s", h.method(), h.URL) }

func (h *HTTPCall) method() string {
	if h.Method == "" {
		return http.MethodPost
	}
	return strings.ToUpper(h.Method)
}

func (h *HTTPCall) Run(ctx context.Context, target *core.Target) (string, error) {
	url := strings.NewReplacer("{{host}}", target.Host.Address, "{{target}}", target.ID).Replace(h.URL)
	var body io.Reader
	if h.Body != "" {
		body = strings.NewReader(h.Body)
	}
	req, err := http.NewRequestWithContext(ctx, h.method(), url, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	out := fmt.Sprintf("%s\n%s", resp.Status, data)
	if !h.Expect.StatusMatches(resp.StatusCode) {
		return out, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if h.Expect.Contains != "" && !strings.Contains(string(data), h.Expect.Contains) {
		return out, fmt.Errorf("response body missing %q", h.Expect.Contains)
	}
	return out, nil
}
