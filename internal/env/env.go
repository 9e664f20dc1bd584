// Package env reads typed settings from the process environment and expands
// ${VAR} references in configuration text.
package env

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

func String(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return d, nil
	}
	return def, nil
}

func Bool(key string, def bool) (bool, error) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", key, err)
		}
		return b, nil
	}
	return def, nil
}

func Int(key string, def int) (int, error) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return i, nil
	}
	return def, nil
}

// varPattern matches ${VAR} or ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Expand replaces ${VAR} with the value of VAR (empty when unset) and
// ${VAR:-default} with VAR's value or default. Bare $VAR is left alone so shell
// snippets inside plan files survive.
func Expand(input string) string {
	return varPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := varPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		if val, ok := os.LookupEnv(sub[1]); ok {
			return val
		}
		if len(sub) >= 3 {
			return sub[2]
		}
		return ""
	})
}

// Missing lists the ${VAR} references (without a default) that are unset.
func Missing(input string) []string {
	var out []string
	seen := map[string]bool{}
	for _, sub := range varPattern.FindAllStringSubmatch(input, -1) {
		name := sub[1]
		if seen[name] || strings.Contains(sub[0], ":-") {
			continue
		}
		if _, ok := os.LookupEnv(name); !ok {
			out = append(out, name)
			seen[name] = true
		}
	}
	return out
}
