package inventory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3cpo-dev/convoy/internal/core"
)

func staticHosts() []core.HostConfig {
	return []core.HostConfig{
		{Name: "web-1", Address: "10.0.0.11", Groups: []string{"web"}},
		{Name: "web-2", Address: "10.0.0.12", User: "ubuntu", Groups: []string{"web"}},
		{Name: "db-1", Address: "10.0.0.21", Port: 2222, Groups: []string{"db"}},
	}
}

func testRegistry() *Registry {
	r := NewRegistry(core.Host{User: "deploy", Port: 22, KeyPath: "/keys/id_ed25519"})
	r.Register(NewStatic(staticHosts()))
	return r
}

func TestStaticGroups(t *testing.T) {
	r := testRegistry()
	web, err := r.Hosts(context.Background(), "web")
	if err != nil {
		t.Fatalf("hosts: %v", err)
	}
	if len(web) != 2 || web[0].Name != "web-1" || web[1].Name != "web-2" {
		t.Fatalf("unexpected web hosts %+v", web)
	}
	if web[0].User != "deploy" || web[1].User != "ubuntu" {
		t.Fatalf("defaults not applied: %+v", web)
	}
	all, _ := r.Hosts(context.Background(), "")
	if len(all) != 3 {
		t.Fatalf("expected 3 hosts, got %d", len(all))
	}
}

func TestResolve(t *testing.T) {
	r := testRegistry()
	h, err := r.Resolve(context.Background(), "db-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if h.Address != "10.0.0.21" || h.Port != 2222 || h.KeyPath != "/keys/id_ed25519" {
		t.Fatalf("unexpected host %+v", h)
	}

	cases := map[string]core.Host{
		"192.168.1.5":           {Name: "192.168.1.5", Address: "192.168.1.5", User: "deploy", Port: 22},
		"admin@app.example.com": {Name: "app.example.com", Address: "app.example.com", User: "admin", Port: 22},
		"localhost:2200":        {Name: "localhost", Address: "localhost", User: "deploy", Port: 2200},
		"[2001:db8::1]:22":      {Name: "2001:db8::1", Address: "2001:db8::1", User: "deploy", Port: 22},
	}
	for ref, want := range cases {
		got, err := r.Resolve(context.Background(), ref)
		if err != nil {
			t.Fatalf("resolve %s: %v", ref, err)
		}
		want.KeyPath = "/keys/id_ed25519"
		if got != want {
			t.Fatalf("resolve %s: expected %+v, got %+v", ref, want, got)
		}
	}

	if _, err := r.Resolve(context.Background(), "web-9"); !errors.Is(err, ErrUnknownHost) {
		t.Fatalf("expected ErrUnknownHost, got %v", err)
	}
}

func TestRegistryGet(t *testing.T) {
	r := testRegistry()
	if _, err := r.Get("static"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := r.Get("cloud"); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
	r.Register(NewStatic(nil))
	if names := r.Names(); len(names) != 1 {
		t.Fatalf("re-registering must replace, got %v", names)
	}
}

type instantClock struct{}

func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func TestHTTPProvider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("group") != "edge" {
			http.Error(w, "group missing", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hosts":[
			{"name":"edge-1","address":"203.0.113.10","groups":["edge"]},
			{"name":"core-1","address":"203.0.113.20","groups":["core"]},
			{"name":"broken"}
		]}`))
	}))
	defer srv.Close()

	p := NewHTTP(srv.URL+"/hosts", "tok", 5*time.Second)
	p.Clock = instantClock{}
	hosts, err := p.Hosts(context.Background(), "edge")
	if err != nil {
		t.Fatalf("hosts: %v", err)
	}
	if len(hosts) != 1 || hosts[0].Name != "edge-1" || hosts[0].Address != "203.0.113.10" {
		t.Fatalf("unexpected hosts %+v", hosts)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestHTTPProviderClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewHTTP(srv.URL, "", time.Second)
	p.Clock = instantClock{}
	if _, err := p.Hosts(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestHTTPProviderGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTP(srv.URL, "", time.Second)
	p.Clock = instantClock{}
	p.MaxRetries = 2
	if _, err := p.Hosts(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestRegistryFirstProviderWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"hosts":[{"name":"web-1","address":"198.51.100.1"},{"name":"cache-1","address":"198.51.100.2"}]}`))
	}))
	defer srv.Close()

	r := testRegistry()
	r.Register(NewHTTP(srv.URL, "", time.Second))
	all, err := r.Hosts(context.Background(), "")
	if err != nil {
		t.Fatalf("hosts: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 hosts, got %+v", all)
	}
	h, _ := r.Resolve(context.Background(), "web-1")
	if h.Address != "10.0.0.11" {
		t.Fatalf("static entry should win, got %+v", h)
	}
}
