// Package inventory resolves the hosts plan targets are deployed onto.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/3cpo-dev/convoy/internal/core"
)

// ErrUnknownHost is returned when a reference is neither an inventory name nor
// an address.
var ErrUnknownHost = errors.New("unknown host")

// Provider lists hosts from one inventory source. An empty group lists all.
type Provider interface {
	Name() string
	Hosts(ctx context.Context, group string) ([]core.Host, error)
}

// Registry queries providers in registration order. Defaults fill the user,
// port and key of hosts that do not set them.
type Registry struct {
	Defaults  core.Host
	providers []Provider
}

func NewRegistry(defaults core.Host) *Registry {
	return &Registry{Defaults: defaults}
}

// Register adds p, replacing a provider with the same name.
func (r *Registry) Register(p Provider) {
	for i, cur := range r.providers {
		if cur.Name() == p.Name() {
			r.providers[i] = p
			return
		}
	}
	r.providers = append(r.providers, p)
}

func (r *Registry) Get(name string) (Provider, error) {
	for _, p := range r.providers {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("inventory provider not registered: %s", name)
}

// Names lists the registered providers.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Name())
	}
	return out
}

// Hosts returns the hosts of group from every provider. The first provider to
// declare a name wins.
func (r *Registry) Hosts(ctx context.Context, group string) ([]core.Host, error) {
	var out []core.Host
	seen := map[string]bool{}
	for _, p := range r.providers {
		hosts, err := p.Hosts(ctx, group)
		if err != nil {
			return nil, fmt.Errorf("inventory %s: %w", p.Name(), err)
		}
		for _, h := range hosts {
			if seen[h.Name] {
				continue
			}
			seen[h.Name] = true
			out = append(out, r.withDefaults(h))
		}
	}
	return out, nil
}

// Resolve looks ref up by inventory name. A ref that is not in the inventory
// but looks like an address (IP, dotted name, host:port or localhost) is used
// literally.
func (r *Registry) Resolve(ctx context.Context, ref string) (core.Host, error) {
	hosts, err := r.Hosts(ctx, "")
	if err != nil {
		return core.Host{}, err
	}
	if i := slices.IndexFunc(hosts, func(h core.Host) bool { return h.Name == ref }); i >= 0 {
		return hosts[i], nil
	}
	h, ok := literal(ref)
	if !ok {
		return core.Host{}, fmt.Errorf("%w: %s", ErrUnknownHost, ref)
	}
	return r.withDefaults(h), nil
}

func (r *Registry) withDefaults(h core.Host) core.Host {
	if h.User == "" {
		h.User = r.Defaults.User
	}
	if h.Port == 0 {
		h.Port = r.Defaults.Port
	}
	if h.KeyPath == "" {
		h.KeyPath = r.Defaults.KeyPath
	}
	return h
}

func literal(ref string) (core.Host, bool) {
	if ref == "" {
		return core.Host{}, false
	}
	user := ""
	if i := strings.LastIndexByte(ref, '@'); i >= 0 {
		user, ref = ref[:i], ref[i+1:]
	}
	addr, port := ref, 0
	if host, p, err := net.SplitHostPort(ref); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return core.Host{}, false
		}
		addr, port = host, n
	}
	if net.ParseIP(addr) == nil && !strings.Contains(addr, ".") && addr != "localhost" {
		return core.Host{}, false
	}
	return core.Host{Name: addr, Address: addr, User: user, Port: port}, true
}
