package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/3cpo-dev/convoy/internal/core"
)

const maxBody = 64 << 10

// HTTPChecker requests hc.Address and matches the status range and optional
// body substring. Options: "method" (default GET), "host" (Host header),
// "insecure" ("true" skips TLS verification), "header.<Name>".
type HTTPChecker struct {
	Client *http.Client
}

func (c HTTPChecker) Check(ctx context.Context, _ *core.Target, hc core.HealthCheck) (bool, string, error) {
	method := hc.Options["method"]
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, hc.Address, nil)
	if err != nil {
		return false, "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range hc.Options {
		if name, ok := strings.CutPrefix(k, "header."); ok {
			req.Header.Set(name, v)
		}
	}
	if h := hc.Options["host"]; h != "" {
		req.Host = h
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
		if hc.Options["insecure"] == "true" {
			client = &http.Client{Transport: &http.Transport{
				TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
				DisableKeepAlives: true,
			}}
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return false, "", fmt.Errorf("read body: %w", err)
	}

	if !hc.Expect.StatusMatches(resp.StatusCode) {
		return false, fmt.Sprintf("status %d", resp.StatusCode), nil
	}
	if hc.Expect.Contains != "" && !strings.Contains(string(body), hc.Expect.Contains) {
		return false, fmt.Sprintf("status %d, body missing %q", resp.StatusCode, hc.Expect.Contains), nil
	}
	return true, fmt.Sprintf("status %d", resp.StatusCode), nil
}
