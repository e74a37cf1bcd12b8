package main

import (
	"log/slog"

	"github.com/animusworks/animus/internal/bus"
	"github.com/animusworks/animus/internal/config"
	"github.com/animusworks/animus/internal/store"
	"github.com/spf13/cobra"
)

var homeDirFlag string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "animus",
		Short:         "Substrate for long-running autonomous agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&homeDirFlag, "home", "", "animus home directory (default ~/.animus)")

	root.AddCommand(
		newServeCmd(),
		newWorkCmd(),
		newLedgerCmd(),
		newFacultyCmd(),
		newStatusCmd(),
	)
	return root
}

// openEnv loads config and opens the store for one-shot commands. The
// caller must Close the returned store.
func openEnv() (*config.Config, *store.Store, *slog.Logger, error) {
	cfg, err := config.Load(homeDirFlag)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := slog.New(slog.DiscardHandler)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.DatabaseURL, bus.New())
	if err != nil {
		return nil, nil, nil, err
	}
	// One-shot commands still honor the faculty retry caps; an unreadable
	// faculty dir just falls back to the engine default.
	if faculties, err := config.LoadFaculties(cfg.FacultiesDir, logger); err == nil {
		st.SetMaxAttemptsResolver(func(name string) int {
			if f := faculties.Get(name); f != nil {
				return f.Recover.MaxAttempts
			}
			return 0
		})
	}
	return cfg, st, logger, nil
}
