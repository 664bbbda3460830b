package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/persona-relay/internal/conversation"
	"github.com/ashureev/persona-relay/internal/domain"
	"github.com/ashureev/persona-relay/internal/persona"
	"github.com/ashureev/persona-relay/internal/store"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	dbPath     string
	personaDir string
	fallback   string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "personactl",
		Short: "Inspect personas and conversation history for the persona relay",
		Long: `personactl works directly on the relay's persona directory and history
database. Run it while the relay is stopped when changing the active persona
or clearing history, so the live session is rebuilt on the next start.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}

	root.PersistentFlags().StringVar(&opts.dbPath, "db", envOr("DB_PATH", "./data/history.db"), "history database path")
	root.PersistentFlags().StringVar(&opts.personaDir, "personas", envOr("PERSONA_DIR", "./characters"), "persona document directory")
	root.PersistentFlags().StringVar(&opts.fallback, "default-persona", envOr("DEFAULT_PERSONA", conversation.DefaultPersona), "persona used when none is stored")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newPersonasCmd(opts), newHistoryCmd(opts), newActiveCmd(opts))
	return root
}

func newPersonasCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "List and inspect persona documents",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available personas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := persona.NewLoader(opts.personaDir, slog.Default()).List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No personas available.")
				return nil
			}
			for _, p := range list {
				fmt.Fprintf(out, "- %s (%s)\n", p.Key, p.DisplayName)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <key>",
		Short: "Print the seed turns a persona produces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed := persona.NewLoader(opts.personaDir, slog.Default()).Load(args[0])
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)", seed.DisplayName, seed.Key)
			if seed.Degraded {
				fmt.Fprint(out, " [degraded]")
			}
			fmt.Fprintln(out)
			printTurns(out, seed.Turns)
			return nil
		},
	})

	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or clear persisted conversation history",
	}

	var key string
	var limit int
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the most recent persisted turns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := store.NewSQLite(opts.dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			target, err := resolvePersona(cmd, st, key, opts.fallback)
			if err != nil {
				return err
			}
			turns, err := st.LoadTail(cmd.Context(), target, limit)
			if err != nil {
				return err
			}
			if len(turns) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No history for %s.\n", target)
				return nil
			}
			printTurns(cmd.OutOrStdout(), turns)
			return nil
		},
	}
	show.Flags().StringVarP(&key, "persona", "p", "", "persona key (defaults to the active persona)")
	show.Flags().IntVarP(&limit, "limit", "n", conversation.DefaultLoadLimit, "number of turns to show")

	var resetKey string
	var yes bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete every persisted turn for a persona",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear history without --yes")
			}
			st, err := store.NewSQLite(opts.dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			target, err := resolvePersona(cmd, st, resetKey, opts.fallback)
			if err != nil {
				return err
			}
			if err := st.Clear(cmd.Context(), target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared history for %s.\n", target)
			return nil
		},
	}
	reset.Flags().StringVarP(&resetKey, "persona", "p", "", "persona key (defaults to the active persona)")
	reset.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")

	cmd.AddCommand(show, reset)
	return cmd
}

func newActiveCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active",
		Short: "Show the persona the relay starts with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := store.NewSQLite(opts.dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			key, err := resolvePersona(cmd, st, "", opts.fallback)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key>",
		Short: "Select the persona the relay starts with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.TrimSpace(args[0])
			if !persona.NewLoader(opts.personaDir, slog.Default()).Exists(key) {
				return fmt.Errorf("%w: %s", conversation.ErrUnknownPersona, key)
			}
			st, err := store.NewSQLite(opts.dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SetSetting(cmd.Context(), domain.SettingCurrentPersona, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active persona set to %s.\n", key)
			return nil
		},
	})

	return cmd
}

func resolvePersona(cmd *cobra.Command, st store.HistoryStore, key, fallback string) (string, error) {
	if key != "" {
		if !domain.ValidPersonaKey(key) {
			return "", fmt.Errorf("invalid persona key %q", key)
		}
		return key, nil
	}
	stored, ok, err := st.GetSetting(cmd.Context(), domain.SettingCurrentPersona)
	if err != nil {
		return "", err
	}
	if ok && stored != "" {
		return stored, nil
	}
	return fallback, nil
}

func printTurns(w io.Writer, turns []domain.Turn) {
	for _, t := range turns {
		fmt.Fprintf(w, "[%s] %s\n", t.Role, t.Content)
	}
}

func envOr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
