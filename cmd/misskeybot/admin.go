package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sipeed/misskeybot/pkg/api"
)

// newAdminCmd talks to the admin API of a running bot.
func newAdminCmd(flags *rootFlags) *cobra.Command {
	var server, token string
	client := func(cmd *cobra.Command) (*api.Client, error) {
		cfg, err := flags.load(cmd)
		if err != nil {
			return nil, err
		}
		if server == "" {
			server = cfg.Server.Addr
		}
		if token == "" {
			token = cfg.Server.Token
		}
		if token == "" {
			return nil, fmt.Errorf("no admin token: set server.token or pass --token")
		}
		return api.NewClient(server, token), nil
	}

	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Inspect and control a running bot through its admin API",
	}
	cmd.PersistentFlags().StringVar(&server, "server", "", "admin API address (default server.addr)")
	cmd.PersistentFlags().StringVar(&token, "token", "", "admin API token (default server.token)")

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the bot status snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			status, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "plugins",
		Short: "List loaded plugins in dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			plugins, err := c.Plugins(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range plugins {
				state := "enabled"
				if !p.Enabled {
					state = "disabled"
				}
				hooks := make([]string, len(p.Capabilities))
				for i, h := range p.Capabilities {
					hooks[i] = string(h)
				}
				fmt.Fprintf(out, "%-12s %10d  %-8s %s\n", p.Name, p.Priority, state, strings.Join(hooks, ","))
			}
			return nil
		},
	})

	for _, enable := range []bool{true, false} {
		use := "disable <plugin>"
		if enable {
			use = "enable <plugin>"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: "Toggle a plugin without restarting the bot",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := client(cmd)
				if err != nil {
					return err
				}
				desc, err := c.SetPluginEnabled(cmd.Context(), args[0], enable)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s enabled=%v\n", desc.Name, desc.Enabled)
				return nil
			},
		})
	}
	return cmd
}
