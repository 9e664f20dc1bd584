package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/convoy/internal/core"
	gssh "github.com/3cpo-dev/convoy/internal/ssh"
)

const configSkeleton = `# convoy configuration
defaults:
  parallelism: 1
  retries: 0
  step_timeout: 5m
  probe_timeout: 5s
  rollback: true
  user: root
  ssh_port: 22

retry:
  initial_delay: 1s
  max_delay: 30s
  multiplier: 2
  jitter: 0.25

inventory:
  hosts: []
  # - name: web-1
  #   address: 10.0.0.11
  #   groups: [web]

report:
  format: text
  archive: true
`

// Initialize configuration and environment
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the config file, SSH key, known_hosts and history database. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return err
			}
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				if err := os.WriteFile(path, []byte(configSkeleton), 0o600); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote %s\n", path)
			}

			cfg, flush, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer flush()

			key := cfg.KeyPath()
			if _, err := os.Stat(key); errors.Is(err, fs.ErrNotExist) {
				pub, err := gssh.GenerateEd25519Keypair(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "generated %s\n%s", key, pub)
			}
			if err := gssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			store, err := core.NewStore(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(out, "history database %s ready\n", cfg.Store)
			return nil
		},
	}
}
