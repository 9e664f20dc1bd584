// Package plan loads plan files and turns them into executable core plans.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/convoy/internal/env"
	"github.com/3cpo-dev/convoy/pkg/api"
)

// Load reads and parses the plan file at path.
func Load(path string) (*api.PlanSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Parse expands ${VAR} references and decodes a plan. References without a
// default must be set; unknown keys are rejected.
func Parse(data []byte) (*api.PlanSpec, error) {
	text := string(data)
	if missing := env.Missing(text); len(missing) > 0 {
		return nil, fmt.Errorf("undefined variables: %s", strings.Join(missing, ", "))
	}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(env.Expand(text))))
	dec.KnownFields(true)
	var spec api.PlanSpec
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("plan is empty")
		}
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &spec, nil
}
