package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/convoy/internal/agent"
	"github.com/3cpo-dev/convoy/internal/plan"
	gssh "github.com/3cpo-dev/convoy/internal/ssh"
)

// List inventory hosts
func newHostsCmd() *cobra.Command {
	var group string
	var ping bool
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List the hosts known to the inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, flush, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer flush()
			builder := plan.NewBuilder(cfg)
			hosts, err := builder.Inventory.Hosts(cmd.Context(), group)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			header := "NAME\tADDRESS\tUSER\tPORT"
			if ping {
				header += "\tAGENT"
			}
			fmt.Fprintln(tw, header)
			for _, h := range hosts {
				line := fmt.Sprintf("%s\t%s\t%s\t%d", h.Name, h.Address, h.User, h.Port)
				if ping {
					c := &agent.Client{
						BaseURL: "http://" + net.JoinHostPort(h.Address, strconv.Itoa(cfg.Agent.Port)),
						Token:   cfg.Agent.Token,
					}
					line += "\t" + agentStatus(cmd.Context(), c)
				}
				fmt.Fprintln(tw, line)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "only hosts of this group")
	cmd.Flags().BoolVar(&ping, "agent", false, "query each host's convoy-agent heartbeat")
	cmd.AddCommand(newHostsTrustCmd())
	return cmd
}

// Pin a host key
func newHostsTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <host[:port]> <public-key-file>",
		Short: "Add a host key to known_hosts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, flush, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer flush()
			key, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if err := gssh.AppendKnownHost(cfg.SSH.KnownHosts, args[0], strings.TrimSpace(string(key))); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trusted %s in %s\n", args[0], cfg.SSH.KnownHosts)
			return nil
		},
	}
}

func agentStatus(ctx context.Context, c *agent.Client) string {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	hb, err := c.Heartbeat(ctx)
	if err != nil {
		return "unreachable"
	}
	return fmt.Sprintf("%s up %s", hb.Version, time.Duration(hb.Uptime)*time.Second)
}
