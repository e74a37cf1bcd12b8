package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/animusworks/animus/internal/store"
	"github.com/animusworks/animus/internal/work"
	"github.com/spf13/cobra"
)

func newWorkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Submit and inspect work items",
	}
	cmd.AddCommand(newWorkSubmitCmd(), newWorkListCmd(), newWorkShowCmd())
	return cmd
}

func newWorkSubmitCmd() *cobra.Command {
	var skill, dedupKey, trigger, params string
	var priority int

	cmd := &cobra.Command{
		Use:   "submit <faculty> <source>",
		Short: "Submit a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, err := openEnv()
			if err != nil {
				return err
			}
			defer st.Close()

			n := work.New(args[0], args[1]).
				WithSkill(skill).
				WithDedupKey(dedupKey).
				WithTrigger(trigger).
				WithPriority(priority)
			if params != "" {
				if !json.Valid([]byte(params)) {
					return &work.ValidationError{Field: "params", Reason: "not valid JSON"}
				}
				n = n.WithParams(json.RawMessage(params))
			}

			res, err := st.Submit(context.Background(), n)
			if err != nil {
				return err
			}
			if res.Merged {
				fmt.Printf("%s\tMerged (canonical %s)\n", res.Item.ID, res.CanonicalID)
			} else {
				fmt.Printf("%s\tCreated\n", res.Item.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&skill, "skill", "", "methodology skill to activate")
	cmd.Flags().StringVar(&dedupKey, "dedup-key", "", "structural dedup key")
	cmd.Flags().StringVar(&trigger, "trigger", "", "provenance trigger")
	cmd.Flags().StringVar(&params, "params", "", "faculty-specific params (JSON)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher runs earlier)")
	return cmd
}

func newWorkListCmd() *cobra.Command {
	var state, faculty, parent string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, err := openEnv()
			if err != nil {
				return err
			}
			defer st.Close()

			if state != "" && !work.State(state).Valid() {
				return &work.ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", state)}
			}
			items, err := st.List(context.Background(), store.ListFilter{
				State:    work.State(state),
				Faculty:  faculty,
				ParentID: parent,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFACULTY\tSTATE\tPRIORITY\tATTEMPTS\tSOURCE\tCREATED")
			for _, item := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					item.ID[:8], item.Faculty, item.State, item.Priority,
					item.Attempts, item.Provenance.Source,
					item.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&faculty, "faculty", "", "filter by faculty")
	cmd.Flags().StringVar(&parent, "parent", "", "filter by parent work item id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newWorkShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item's full record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, err := openEnv()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := context.Background()

			item, err := st.Get(ctx, args[0])
			if err != nil {
				return err
			}
			record, err := json.MarshalIndent(item, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(record))

			formatted, err := st.FormatLedger(ctx, item.ID)
			if err != nil {
				return err
			}
			if formatted != "" {
				fmt.Println("\n--- ledger ---")
				fmt.Println(formatted)
			}
			return nil
		},
	}
}
