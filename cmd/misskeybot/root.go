package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipeed/misskeybot/pkg/config"
	"github.com/sipeed/misskeybot/pkg/logger"
	"github.com/sipeed/misskeybot/pkg/persona"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

// NewRootCmd returns the misskeybot command tree.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "misskeybot",
		Short:         "Misskey bot with plugins and scheduled posts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "config file (YAML); missing file means defaults plus environment")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logging.level (debug|info|warn|error)")

	rootCmd.AddCommand(newRunCmd(flags))
	rootCmd.AddCommand(newConsoleCmd(flags))
	rootCmd.AddCommand(newStatsCmd(flags))
	rootCmd.AddCommand(newCleanupCmd(flags))
	rootCmd.AddCommand(newSeenCmd(flags))
	rootCmd.AddCommand(newKeysCmd(flags))
	rootCmd.AddCommand(newPersonasCmd())
	rootCmd.AddCommand(newAdminCmd(flags))

	return rootCmd
}

// load reads the config and configures logging from it.
func (f *rootFlags) load(cmd *cobra.Command) (*config.Config, error) {
	path := f.configPath
	if !cmd.Flags().Changed("config") && !fileExists(path) {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if f.logLevel != "" {
		level = f.logLevel
	}
	logger.Configure(level, cfg.Logging.Format)

	if cfg.Bot.Persona != "" {
		personas, warnings := persona.LoadDefaults()
		for _, w := range warnings {
			logger.WarnCF("main", "Persona not loaded", map[string]interface{}{"error": w})
		}
		p, ok := personas.Get(cfg.Bot.Persona)
		if !ok {
			return nil, fmt.Errorf("unknown persona %q", cfg.Bot.Persona)
		}
		if err := persona.Apply(cfg, p, cfg.Bot.PersonaParams); err != nil {
			return nil, err
		}
		logger.InfoCF("main", "Persona applied", map[string]interface{}{
			"persona": p.Name,
			"source":  p.SourceFile,
		})
	}
	return cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
