package agent

import "time"

// HeartbeatRequest is empty; the agent reports itself.
type HeartbeatRequest struct{}

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
	Uptime  int64     `json:"uptime_seconds"`
}

// ExecRequest asks the agent to run a command. With Shell set, Command is
// passed to sh -c and Args are ignored.
type ExecRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Shell   bool     `json:"shell,omitempty"`
	Env     []string `json:"env,omitempty"`
	Timeout int      `json:"timeout_seconds,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
	Input   string   `json:"input,omitempty"`
}

// ExecResponse reports a finished command. Error is set when the command could
// not be started or was killed; ExitCode is then -1.
type ExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Duration int64  `json:"duration_ms"`
	Error    string `json:"error,omitempty"`
}
