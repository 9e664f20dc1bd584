package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/convoy/internal/core"
)

// HTTP fetches hosts from an inventory API (a CMDB or cloud listing proxy)
// returning {"hosts": [...]}. Rate limits and server errors are retried with
// backoff.
type HTTP struct {
	URL        string
	Token      string
	Client     *http.Client
	Policy     core.RetryPolicy
	MaxRetries int
	Clock      core.Clock
}

type httpHost struct {
	Name    string   `json:"name"`
	Address string   `json:"address"`
	User    string   `json:"user"`
	Port    int      `json:"port"`
	KeyPath string   `json:"key_path"`
	Groups  []string `json:"groups"`
}

type httpHostList struct {
	Hosts []httpHost `json:"hosts"`
}

// NewHTTP builds a provider with three retries on the default backoff.
func NewHTTP(endpoint, token string, timeout time.Duration) *HTTP {
	return &HTTP{
		URL:        endpoint,
		Token:      token,
		Client:     &http.Client{Timeout: timeout},
		Policy:     core.DefaultRetryPolicy(),
		MaxRetries: 3,
		Clock:      core.RealClock,
	}
}

func (p *HTTP) Name() string { return "http" }

func (p *HTTP) Hosts(ctx context.Context, group string) ([]core.Host, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("parse inventory url: %w", err)
	}
	if group != "" {
		q := u.Query()
		q.Set("group", group)
		u.RawQuery = q.Encode()
	}
	var list httpHostList
	if err := p.getJSON(ctx, u.String(), &list); err != nil {
		return nil, err
	}
	var out []core.Host
	for _, h := range list.Hosts {
		// Servers may ignore the group parameter.
		if group != "" && len(h.Groups) > 0 && !slices.Contains(h.Groups, group) {
			continue
		}
		if h.Address == "" {
			continue
		}
		name := h.Name
		if name == "" {
			name = h.Address
		}
		out = append(out, core.Host{Name: name, Address: h.Address, User: h.User, Port: h.Port, KeyPath: h.KeyPath})
	}
	return out, nil
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (p *HTTP) getJSON(ctx context.Context, endpoint string, out any) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	clock := p.Clock
	if clock == nil {
		clock = core.RealClock
	}
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Policy.Delay(attempt - 1)
			log.Warn().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).Str("url", endpoint).Msg("inventory request failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clock.After(delay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if p.Token != "" {
			req.Header.Set("Authorization", "Bearer "+p.Token)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = fmt.Errorf("inventory api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			if retryable(resp.StatusCode) {
				continue
			}
			return lastErr
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode inventory: %w", err)
		}
		return nil
	}
	return lastErr
}
