package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sipeed/misskeybot/pkg/bot"
	"github.com/sipeed/misskeybot/pkg/channels/console"
	"github.com/sipeed/misskeybot/pkg/logger"
	"github.com/sipeed/misskeybot/plugins"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to Misskey and serve mentions, chats and autoposts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireCredentials(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := bot.New(ctx, cfg, bot.Options{Sources: plugins.Sources()})
			if err != nil {
				return err
			}
			defer b.Close()

			logger.InfoCF("main", "Starting misskeybot", map[string]interface{}{
				"instance": cfg.Misskey.InstanceURL,
				"db":       cfg.Persistence.DBPath,
			})
			return b.Run(ctx)
		},
	}
}

func newConsoleCmd(flags *rootFlags) *cobra.Command {
	var history string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Chat with the plugin chain from the terminal, without Misskey",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
			defer stop()

			b, err := bot.New(ctx, cfg, bot.Options{Sources: plugins.Sources(), Console: true})
			if err != nil {
				return err
			}
			defer b.Close()

			c, err := console.New(console.Config{HistoryFile: history})
			if err != nil {
				return err
			}
			return b.RunConsole(ctx, c)
		},
	}
	cmd.Flags().StringVar(&history, "history", filepath.Join(os.TempDir(), "misskeybot_history"), "readline history file")
	return cmd
}
