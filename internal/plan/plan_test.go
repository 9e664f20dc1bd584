package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const samplePlan = `
name: storage-rollout
defaults:
  retries: 1
  timeout: 30s
targets:
  - id: minio-1
    host: ${MINIO_HOST}
    steps:
      - name: install
        remote: apt-get install -y minio
      - name: start
        remote: systemctl start minio
    health_check:
      type: tcp
      address: ":9000"
      interval: 2s
      max_attempts: 3
    rollback:
      - name: cleanup
        remote: apt-get remove -y minio
`

func TestParseExpandsVariables(t *testing.T) {
	t.Setenv("MINIO_HOST", "10.0.0.30")
	spec, err := Parse([]byte(samplePlan))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.Name != "storage-rollout" || len(spec.Targets) != 1 {
		t.Fatalf("unexpected spec %+v", spec)
	}
	tg := spec.Targets[0]
	if tg.Host != "10.0.0.30" || len(tg.Steps) != 2 || len(tg.Rollback) != 1 {
		t.Fatalf("unexpected target %+v", tg)
	}
	if *spec.Defaults.Retries != 1 || tg.HealthCheck.MaxAttempts != 3 {
		t.Fatalf("defaults or health check lost: %+v", spec.Defaults)
	}
}

func TestParseMissingVariable(t *testing.T) {
	_, err := Parse([]byte(samplePlan))
	if err == nil || !strings.Contains(err.Error(), "MINIO_HOST") {
		t.Fatalf("expected undefined variable error, got %v", err)
	}
}

func TestParseDefaultVariable(t *testing.T) {
	spec, err := Parse([]byte("name: ${PLAN_NAME:-nightly}\ntargets: []\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.Name != "nightly" {
		t.Fatalf("expected default name, got %q", spec.Name)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("name: x\ntargets:\n  - id: a\n    hots: 10.0.0.1\n"))
	if err == nil || !strings.Contains(err.Error(), "hots") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatal("expected error for empty plan")
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("MINIO_HOST", "minio.internal")
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(samplePlan), 0o644); err != nil {
		t.Fatal(err)
	}
	spec, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if spec.Targets[0].Host != "minio.internal" {
		t.Fatalf("unexpected host %q", spec.Targets[0].Host)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
