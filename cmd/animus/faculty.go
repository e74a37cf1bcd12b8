package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/animusworks/animus/internal/config"
	"github.com/spf13/cobra"
)

func newFacultyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "faculty",
		Short: "Inspect configured faculties",
	}
	cmd.AddCommand(newFacultyListCmd())
	return cmd
}

func newFacultyListCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List faculties from the config directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(homeDirFlag)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.FacultiesDir
			}
			registry, err := config.LoadFaculties(dir, slog.New(slog.DiscardHandler))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMODE\tMODEL\tCONCURRENT\tCODE_EXEC\tAWARENESS\tPULSE")
			for _, f := range registry.All() {
				pulseExpr := "-"
				if f.Pulse != nil && f.Pulse.Cron != "" {
					pulseExpr = f.Pulse.Cron
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%v\t%s\n",
					f.Name, f.Engage.Mode, f.Engage.Model,
					f.EffectiveConcurrency(cfg.MaxConcurrent),
					f.Engage.CodeExecution, f.Awareness.Enabled, pulseExpr)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "faculty TOML directory")
	return cmd
}
