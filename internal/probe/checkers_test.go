package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/3cpo-dev/convoy/internal/core"
)

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	ok, _, err := TCPChecker{}.Check(context.Background(), target, core.HealthCheck{Address: addr})
	if err != nil || !ok {
		t.Fatalf("expected match, got %v %v", ok, err)
	}
	ln.Close()
	if _, _, err := (TCPChecker{}).Check(context.Background(), target, core.HealthCheck{Address: addr}); err == nil {
		t.Fatal("expected transport error on closed port")
	}
}

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ready":
			if r.Header.Get("X-Probe") != "convoy" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"status":"green"}`))
		case "/starting":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Write([]byte(`{"status":"yellow"}`))
		}
	}))
	defer srv.Close()

	hc := core.HealthCheck{Address: srv.URL + "/ready", Options: map[string]string{"header.X-Probe": "convoy"}}
	hc.Expect.Contains = "green"
	if ok, detail, err := (HTTPChecker{}).Check(context.Background(), target, hc); err != nil || !ok {
		t.Fatalf("expected match, got %v %q %v", ok, detail, err)
	}

	hc.Address = srv.URL + "/starting"
	if ok, detail, err := (HTTPChecker{}).Check(context.Background(), target, hc); err != nil || ok || detail != "status 503" {
		t.Fatalf("expected status mismatch, got %v %q %v", ok, detail, err)
	}

	hc.Address = srv.URL + "/other"
	if ok, _, err := (HTTPChecker{}).Check(context.Background(), target, hc); err != nil || ok {
		t.Fatalf("expected body mismatch, got %v %v", ok, err)
	}

	hc.Address = srv.URL + "/starting"
	hc.Expect = core.Matcher{StatusMin: 500, StatusMax: 599}
	if ok, _, err := (HTTPChecker{}).Check(context.Background(), target, hc); err != nil || !ok {
		t.Fatalf("expected custom range match, got %v %v", ok, err)
	}
}

func TestHTTPCheckerTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	if _, _, err := (HTTPChecker{}).Check(context.Background(), target, core.HealthCheck{Address: url}); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestCommandChecker(t *testing.T) {
	two := 2
	cases := []struct {
		name    string
		command []string
		expect  core.Matcher
		matched bool
		wantErr bool
	}{
		{name: "exit zero", command: []string{"true"}, matched: true},
		{name: "exit non-zero", command: []string{"exit 1"}, matched: false},
		{name: "expected exit", command: []string{"exit 2"}, expect: core.Matcher{ExitCode: &two}, matched: true},
		{name: "output match", command: []string{`echo "role=primary"`}, expect: core.Matcher{Contains: "primary"}, matched: true},
		{name: "output mismatch", command: []string{`echo "role=replica"`}, expect: core.Matcher{Contains: "primary"}, matched: false},
		{name: "argv form", command: []string{"sh", "-c", "echo $CONVOY_TARGET"}, expect: core.Matcher{Contains: "minio-1"}, matched: true},
		{name: "missing binary", command: []string{"/nonexistent/convoy-check", "x"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hc := core.HealthCheck{Command: tc.command, Expect: tc.expect}
			ok, detail, err := CommandChecker{}.Check(context.Background(), target, hc)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected transport error")
				}
				return
			}
			if err != nil || ok != tc.matched {
				t.Fatalf("expected matched=%v, got %v %q %v", tc.matched, ok, detail, err)
			}
		})
	}
}

func TestCommandCheckerTimeoutIsTransportError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := (CommandChecker{}).Check(ctx, target, core.HealthCheck{Command: []string{"sleep 5"}}); err == nil {
		t.Fatal("expected timeout to be a transport error")
	}
}

func TestCommandCheckerBackgroundChildHoldsOutput(t *testing.T) {
	saved := waitDelay
	waitDelay = 200 * time.Millisecond
	defer func() { waitDelay = saved }()

	target := &core.Target{ID: "t", Host: core.Host{Address: "127.0.0.1"}}
	hc := core.HealthCheck{Command: []string{"echo up; sleep 5 &"}, Expect: core.Matcher{Contains: "up"}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	ok, detail, err := CommandChecker{}.Check(ctx, target, hc)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("check waited on a background child: %s", elapsed)
	}
	if err != nil || !ok {
		t.Fatalf("expected a match, got ok=%v detail=%q err=%v", ok, detail, err)
	}
}

func TestPostgresCheckerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hc := core.HealthCheck{Address: "postgres://convoy:convoy@" + addr + "/convoy?sslmode=disable&connect_timeout=1"}
	if _, _, err := (PostgresChecker{}).Check(ctx, target, hc); err == nil {
		t.Fatal("expected transport error for unreachable postgres")
	}
}

func TestMinIOCheckerBucket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && r.URL.Path == "/releases" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	hc := core.HealthCheck{
		Address: srv.Listener.Addr().String(),
		Options: map[string]string{"bucket": "releases", "region": "us-east-1", "access_key": "k", "secret_key": "s"},
	}
	if ok, detail, err := (MinIOChecker{}).Check(context.Background(), target, hc); err != nil || !ok {
		t.Fatalf("expected bucket present, got %v %q %v", ok, detail, err)
	}
	hc.Options["bucket"] = "missing"
	if ok, _, err := (MinIOChecker{}).Check(context.Background(), target, hc); err != nil || ok {
		t.Fatalf("expected mismatch for missing bucket, got %v %v", ok, err)
	}
}
