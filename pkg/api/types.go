package api

import "gopkg.in/yaml.v3"

// v0 plan file types. Durations are Go duration strings ("30s", "5m").

type PlanSpec struct {
	Name     string       `json:"name" yaml:"name"`
	Defaults DefaultsSpec `json:"defaults" yaml:"defaults"`
	Targets  []TargetSpec `json:"targets" yaml:"targets"`
}

// DefaultsSpec applies to every step and health check that leaves the field unset.
type DefaultsSpec struct {
	Retries      *int   `json:"retries,omitempty" yaml:"retries"`
	Timeout      string `json:"timeout,omitempty" yaml:"timeout"`
	Idempotent   *bool  `json:"idempotent,omitempty" yaml:"idempotent"`
	Interval     string `json:"interval,omitempty" yaml:"interval"`
	MaxAttempts  int    `json:"max_attempts,omitempty" yaml:"max_attempts"`
	ProbeTimeout string `json:"probe_timeout,omitempty" yaml:"probe_timeout"`
}

// TargetSpec names its host by inventory name or literal address. With Group
// set instead, the target is repeated for every host of the group and each
// copy's id becomes "<id>-<host name>".
type TargetSpec struct {
	ID          string            `json:"id" yaml:"id"`
	Host        string            `json:"host,omitempty" yaml:"host"`
	Group       string            `json:"group,omitempty" yaml:"group"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels"`
	Steps       []StepSpec        `json:"steps" yaml:"steps"`
	HealthCheck *HealthCheckSpec  `json:"health_check" yaml:"health_check"`
	Rollback    []StepSpec        `json:"rollback,omitempty" yaml:"rollback"`
}

// StepSpec declares exactly one of Command, Remote, HTTP, Agent or Upload.
type StepSpec struct {
	Name       string `json:"name" yaml:"name"`
	Idempotent *bool  `json:"idempotent,omitempty" yaml:"idempotent"`
	Timeout    string `json:"timeout,omitempty" yaml:"timeout"`
	Retries    *int   `json:"retries,omitempty" yaml:"retries"`

	Command string            `json:"command,omitempty" yaml:"command"`
	Dir     string            `json:"dir,omitempty" yaml:"dir"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`

	Remote string `json:"remote,omitempty" yaml:"remote"`
	Sudo   bool   `json:"sudo,omitempty" yaml:"sudo"`

	HTTP   *HTTPSpec   `json:"http,omitempty" yaml:"http"`
	Agent  *AgentSpec  `json:"agent,omitempty" yaml:"agent"`
	Upload *UploadSpec `json:"upload,omitempty" yaml:"upload"`
}

type HTTPSpec struct {
	Method  string            `json:"method,omitempty" yaml:"method"`
	URL     string            `json:"url" yaml:"url"`
	Body    string            `json:"body,omitempty" yaml:"body"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`
	Expect  ExpectSpec        `json:"expect,omitempty" yaml:"expect"`
}

type AgentSpec struct {
	Command string            `json:"command" yaml:"command"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
	WorkDir string            `json:"work_dir,omitempty" yaml:"work_dir"`
	URL     string            `json:"url,omitempty" yaml:"url"`
	Port    int               `json:"port,omitempty" yaml:"port"`
	TLS     bool              `json:"tls,omitempty" yaml:"tls"`
}

type UploadSpec struct {
	Src  string `json:"src" yaml:"src"`
	Dest string `json:"dest" yaml:"dest"`
	// Mode is octal, e.g. "0644". Empty keeps the local permissions.
	Mode string `json:"mode,omitempty" yaml:"mode"`
}

// HealthCheckSpec types: tcp, http, command, ssh, postgres, minio.
type HealthCheckSpec struct {
	Type        string            `json:"type" yaml:"type"`
	Address     string            `json:"address,omitempty" yaml:"address"`
	Command     Args              `json:"command,omitempty" yaml:"command"`
	Expect      ExpectSpec        `json:"expect,omitempty" yaml:"expect"`
	Interval    string            `json:"interval,omitempty" yaml:"interval"`
	MaxAttempts int               `json:"max_attempts,omitempty" yaml:"max_attempts"`
	Timeout     string            `json:"timeout,omitempty" yaml:"timeout"`
	Options     map[string]string `json:"options,omitempty" yaml:"options"`
}

type ExpectSpec struct {
	Status   StatusRange `json:"status,omitempty" yaml:"status,flow"`
	ExitCode *int        `json:"exit_code,omitempty" yaml:"exit_code"`
	Contains string      `json:"contains,omitempty" yaml:"contains"`
}

// StatusRange is a single status code or a [min, max] pair.
type StatusRange []int

func (s *StatusRange) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var code int
		if err := n.Decode(&code); err != nil {
			return err
		}
		*s = StatusRange{code}
		return nil
	}
	var codes []int
	if err := n.Decode(&codes); err != nil {
		return err
	}
	*s = codes
	return nil
}

// Args is a command given either as one shell string or as an argv list.
type Args []string

func (a *Args) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*a = Args{n.Value}
		return nil
	}
	var argv []string
	if err := n.Decode(&argv); err != nil {
		return err
	}
	*a = argv
	return nil
}
