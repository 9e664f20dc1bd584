package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3cpo-dev/convoy/internal/core"
	"github.com/3cpo-dev/convoy/internal/report"
)

const testPlan = `
name: smoke
targets:
  - id: good
    host: 127.0.0.1
    steps:
      - name: install
        command: echo installed
    health_check:
      type: command
      command: "true"
  - id: bad
    host: 127.0.0.1
    steps:
      - name: install
        command: exit 3
    health_check:
      type: command
      command: "true"
    rollback:
      - name: restore
        command: echo restored
`

// execute runs the CLI with a fresh root command and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func exitCodeOf(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if err != nil {
		return 1
	}
	return 0
}

func testEnv(t *testing.T) (cfgPath, dir string) {
	t.Helper()
	dir = t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	cfgPath = filepath.Join(dir, "config.yaml")
	cfg := "store: " + filepath.Join(dir, "runs.db") + "\nlog:\n  level: error\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dir
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "convoy "+version) {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestRunArchivesAndReports(t *testing.T) {
	cfgPath, dir := testEnv(t)
	planPath := filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(planPath, []byte(testPlan), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--config", cfgPath, "run", "--plan", planPath, "--format", "json", "--archive", "--parallelism", "2")
	if code := exitCodeOf(err); code != report.ExitFailed {
		t.Fatalf("expected exit code %d, got %d (%v)", report.ExitFailed, code, err)
	}

	var doc report.Document
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if doc.Plan != "smoke" || len(doc.Targets) != 2 || doc.ExitCode != report.ExitFailed {
		t.Fatalf("unexpected document %+v", doc)
	}
	states := map[string]core.TargetState{}
	for _, tg := range doc.Targets {
		states[tg.ID] = tg.State
	}
	if states["good"] != core.StateSucceeded || states["bad"] != core.StateRolledBack {
		t.Fatalf("unexpected states %v", states)
	}
	for _, tg := range doc.Targets {
		if tg.ID == "bad" && (!tg.RollbackCompleted || tg.FailedStep != "install") {
			t.Fatalf("bad target should have rolled back after install: %+v", tg)
		}
	}

	out, err = execute(t, "--config", cfgPath, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, doc.RunID) {
		t.Fatalf("history does not list run %s:\n%s", doc.RunID, out)
	}

	out, err = execute(t, "--config", cfgPath, "history", "show", doc.RunID)
	if err != nil {
		t.Fatalf("history show: %v", err)
	}
	if !strings.Contains(out, "bad") || !strings.Contains(out, "rolled_back") {
		t.Fatalf("unexpected history show output:\n%s", out)
	}
}

func TestValidate(t *testing.T) {
	cfgPath, dir := testEnv(t)
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte(testPlan), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "--config", cfgPath, "validate", "--plan", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "plan smoke ok: 2 target(s)") {
		t.Fatalf("unexpected validate output:\n%s", out)
	}

	broken := filepath.Join(dir, "broken.yaml")
	doc := "name: broken\ntargets:\n  - id: a\n    host: 127.0.0.1\n    steps: []\n"
	if err := os.WriteFile(broken, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = execute(t, "--config", cfgPath, "validate", "--plan", broken)
	if code := exitCodeOf(err); code != report.ExitConfiguration {
		t.Fatalf("expected exit code %d for a broken plan, got %d (%v)", report.ExitConfiguration, code, err)
	}

	_, err = execute(t, "--config", cfgPath, "run", "--plan", good, "--retries", "-1")
	if code := exitCodeOf(err); code != report.ExitConfiguration {
		t.Fatalf("expected exit code %d for negative retries, got %d (%v)", report.ExitConfiguration, code, err)
	}

	_, err = execute(t, "--config", filepath.Join(dir, "missing.yaml"), "validate", "--plan", good)
	if code := exitCodeOf(err); code != report.ExitConfiguration {
		t.Fatalf("expected exit code %d for a missing config, got %d", report.ExitConfiguration, code)
	}
}

func TestInitCreatesEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	cfgPath := filepath.Join(dir, "convoy", "config.yaml")

	if _, err := execute(t, "--config", cfgPath, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, p := range []string{
		cfgPath,
		filepath.Join(dir, "convoy", "keys", "id_ed25519"),
		filepath.Join(dir, "convoy", "known_hosts"),
		filepath.Join(dir, "convoy", "convoy.db"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("init did not create %s: %v", p, err)
		}
	}

	// A second init keeps what exists.
	out, err := execute(t, "--config", cfgPath, "init")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if strings.Contains(out, "wrote") || strings.Contains(out, "generated") {
		t.Fatalf("second init rewrote files:\n%s", out)
	}
}
