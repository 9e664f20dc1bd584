package agent

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/convoy/internal/telemetry"
)

const (
	defaultMaxOutput = 1 << 20
	maxRequestBody   = 8 << 20
)

// execWaitDelay bounds how long a finished command waits for background
// children that still hold its output pipes.
var execWaitDelay = 2 * time.Second

type Server struct {
	Version string
	// Token, when set, is required as "Authorization: Bearer <token>" or
	// "X-Auth-Token" on /v0/exec.
	Token     string
	Metrics   *telemetry.Collector
	MaxOutput int

	started time.Time
	mu      sync.Mutex
	srv     *http.Server
	closed  bool
}

func (s *Server) metrics() *telemetry.Collector {
	if s.Metrics == nil {
		return telemetry.GetGlobal()
	}
	return s.Metrics
}

// Handler returns the agent's routes.
func (s *Server) Handler() http.Handler {
	if s.started.IsZero() {
		s.started = time.Now()
	}
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v0/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /v0/exec", s.handleExec)
	mux.Handle("GET /metrics", telemetry.MetricsHandler(s.metrics()))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.metrics().Count(telemetry.AgentHeartbeats, nil)
	host, _ := os.Hostname()
	h := HeartbeatResponse{
		Time:    time.Now().UTC(),
		Host:    host,
		Version: s.Version,
		Uptime:  int64(time.Since(s.started).Seconds()),
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.Token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	x := r.Header.Get("X-Auth-Token")
	return subtle.ConstantTimeCompare([]byte(auth), []byte("Bearer "+s.Token)) == 1 ||
		subtle.ConstantTimeCompare([]byte(x), []byte(s.Token)) == 1
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()

	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics().RecordAgentRejected("decode_request")
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		return
	}
	if req.Command == "" {
		s.metrics().RecordAgentRejected("empty_command")
		http.Error(w, "command is required", http.StatusBadRequest)
		return
	}

	resp := s.run(r.Context(), req)
	s.metrics().RecordAgentExec(resp.ExitCode, time.Duration(resp.Duration)*time.Millisecond)
	log.Info().
		Str("command", req.Command).
		Int("exit_code", resp.ExitCode).
		Int64("duration_ms", resp.Duration).
		Msg("exec finished")

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) run(ctx context.Context, req ExecRequest) ExecResponse {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}

	var cmd *exec.Cmd
	if req.Shell {
		cmd = exec.CommandContext(ctx, "sh", "-c", req.Command)
	} else {
		cmd = exec.CommandContext(ctx, req.Command, req.Args...)
	}
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), req.Env...)
	if req.Input != "" {
		cmd.Stdin = bytes.NewBufferString(req.Input)
	}
	limit := s.MaxOutput
	if limit <= 0 {
		limit = defaultMaxOutput
	}
	stdout := &limitedBuffer{max: limit}
	stderr := &limitedBuffer{max: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = execWaitDelay

	start := time.Now()
	err := cmd.Run()
	resp := ExecResponse{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start).Milliseconds(),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.Is(err, exec.ErrWaitDelay) && ctx.Err() == nil:
	case ctx.Err() != nil:
		resp.ExitCode = -1
		resp.Error = fmt.Sprintf("killed: %v", ctx.Err())
	case errors.As(err, &exitErr):
		resp.ExitCode = exitErr.ExitCode()
	default:
		resp.ExitCode = -1
		resp.Error = err.Error()
	}
	return resp
}

// limitedBuffer keeps the first max bytes and drops the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	if !s.setServer(srv) {
		return http.ErrServerClosed
	}
	log.Info().Str("addr", addr).Str("version", s.Version).Msg("agent listening")
	return srv.ListenAndServe()
}

// setServer records srv for Shutdown. It reports false once Shutdown has run.
func (s *Server) setServer(srv *http.Server) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.srv = srv
	return true
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
