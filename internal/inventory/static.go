package inventory

import (
	"context"
	"slices"

	"github.com/3cpo-dev/convoy/internal/core"
)

// Static serves the fixed hosts declared in the configuration file.
type Static struct {
	hosts []core.HostConfig
}

func NewStatic(hosts []core.HostConfig) *Static { return &Static{hosts: hosts} }

func (s *Static) Name() string { return "static" }

func (s *Static) Hosts(_ context.Context, group string) ([]core.Host, error) {
	var out []core.Host
	for _, h := range s.hosts {
		if group != "" && !slices.Contains(h.Groups, group) {
			continue
		}
		addr := h.Address
		if addr == "" {
			addr = h.Name
		}
		out = append(out, core.Host{
			Name:    h.Name,
			Address: addr,
			User:    h.User,
			Port:    h.Port,
			KeyPath: h.KeyPath,
		})
	}
	return out, nil
}
