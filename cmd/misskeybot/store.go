package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/misskeybot/pkg/persistence"
	"github.com/sipeed/misskeybot/pkg/persona"
	"github.com/sipeed/misskeybot/pkg/scheduler"
)

func newStatsCmd(flags *rootFlags) *cobra.Command {
	var (
		asJSON bool
		recent int
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics, recent posts and recently handled events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := persistence.Open(ctx, cfg.Persistence.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(ctx, scheduler.StartOfDay(time.Now(), cfg.Location()))
			if err != nil {
				return err
			}
			posts, err := store.RecentPosts(ctx, recent)
			if err != nil {
				return err
			}
			handled, err := store.RecentProcessed(ctx, "", recent)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"stats":         stats,
					"quota":         cfg.Bot.AutoPost.MaxPostsPerDay,
					"recent_posts":  posts,
					"recent_events": handled,
				})
			}

			fmt.Fprintf(out, "Database:            %s (%d bytes)\n", cfg.Persistence.DBPath, stats.SizeBytes)
			fmt.Fprintf(out, "Posts today:         %d / %d\n", stats.PostsToday, cfg.Bot.AutoPost.MaxPostsPerDay)
			fmt.Fprintf(out, "Posts total:         %d\n", stats.TotalPosts)
			fmt.Fprintf(out, "Processed mentions:  %d\n", stats.ProcessedMentions)
			fmt.Fprintf(out, "Processed chats:     %d\n", stats.ProcessedChats)
			fmt.Fprintf(out, "Plugin keys:         %d\n", stats.PluginKeys)
			if len(posts) > 0 {
				fmt.Fprintln(out, "\nRecent posts:")
				for _, p := range posts {
					fmt.Fprintf(out, "  %s  %-10s %-8s %s\n", p.Timestamp.In(cfg.Location()).Format(time.DateTime), p.Source, p.Visibility, p.NoteID)
				}
			}
			if len(handled) > 0 {
				fmt.Fprintln(out, "\nRecent events:")
				for _, m := range handled {
					fmt.Fprintf(out, "  %s  %-8s %-24s @%s\n", m.ProcessedAt.In(cfg.Location()).Format(time.DateTime), m.Kind, m.EventID, m.Username)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().IntVar(&recent, "recent", 10, "number of recent posts and events to list")
	return cmd
}

func newSeenCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seen <mention|chat> <event-id>",
		Short: "Report whether an event was already handled",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := persistence.Open(ctx, cfg.Persistence.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			m, err := store.Marker(ctx, args[0], args[1])
			if errors.Is(err, persistence.ErrNotFound) {
				fmt.Fprintf(out, "%s %s has not been handled\n", args[0], args[1])
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s handled at %s (from @%s, %s)\n", m.Kind, m.EventID,
				m.ProcessedAt.In(cfg.Location()).Format(time.DateTime), m.Username, m.UserID)
			return nil
		},
	}
}

func newKeysCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keys <plugin>",
		Short: "List the keys a plugin has stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := persistence.Open(ctx, cfg.Persistence.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			keys, err := store.Namespace(args[0]).Keys(ctx)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}

func newCleanupCmd(flags *rootFlags) *cobra.Command {
	var (
		days   int
		vacuum bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old posts and processed markers now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("days") {
				cfg.Persistence.CleanupDays = days
			}
			ctx := cmd.Context()
			store, err := persistence.Open(ctx, cfg.Persistence.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := store.Cleanup(ctx, cfg.CleanupAge())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d posts and %d processed markers older than %d days\n",
				res.Posts, res.Processed, cfg.Persistence.CleanupDays)

			if vacuum {
				if err := store.Vacuum(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Vacuumed database")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "override persistence.cleanup_days")
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "also compact the database file")
	return cmd
}

func newPersonasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the available personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			personas, warnings := persona.LoadDefaults()
			out := cmd.OutOrStdout()
			for _, p := range personas.List() {
				origin := p.SourceFile
				if p.Builtin {
					origin = "builtin"
				}
				fmt.Fprintf(out, "%-12s %-24s %s (%s)\n", p.Name, p.DisplayName, p.Description, origin)
				for _, param := range p.Params {
					req := ""
					if param.Required {
						req = ", required"
					}
					fmt.Fprintf(out, "  {{%s}} %s%s\n", param.Name, param.Description, req)
				}
			}
			for _, w := range warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			return nil
		},
	}
}
