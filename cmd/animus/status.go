package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/animusworks/animus/internal/config"
	"github.com/animusworks/animus/internal/store"
	"github.com/animusworks/animus/internal/work"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connectivity, queue depth, active foci, faculties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, _, err := openEnv()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := context.Background()

			fmt.Printf("store: ok (%s)\n", databaseLabel(cfg))

			registry, regErr := config.LoadFaculties(cfg.FacultiesDir, slog.New(slog.DiscardHandler))
			known := map[string]bool{}
			if regErr == nil {
				for _, name := range registry.Names() {
					known[name] = true
				}
				fmt.Printf("faculties: %d registered\n", len(known))
			} else {
				fmt.Printf("faculties: unreadable (%v)\n", regErr)
			}

			running, err := st.List(ctx, store.ListFilter{State: work.StateRunning, Limit: 1000})
			if err != nil {
				return err
			}
			fmt.Printf("active foci: %d\n", len(running))

			queues, err := st.Queues(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\nQUEUE\tVISIBLE\tIN_FLIGHT\tROUTABLE")
			unroutable := 0
			for _, queue := range queues {
				visible, inFlight, err := st.QueueDepth(ctx, queue)
				if err != nil {
					return err
				}
				routable := known[queue]
				if !routable && visible > 0 {
					unroutable++
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%v\n", queue, visible, inFlight, routable)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if unroutable > 0 {
				fmt.Printf("\nunroutable queues with visible work: %d (add the missing faculty config)\n", unroutable)
			}
			return nil
		},
	}
}

func databaseLabel(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	return store.DefaultDBPath()
}
