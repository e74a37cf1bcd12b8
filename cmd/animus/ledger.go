package main

import (
	"context"
	"fmt"

	"github.com/animusworks/animus/internal/work"
	"github.com/spf13/cobra"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Read and append work ledgers",
	}
	cmd.AddCommand(newLedgerShowCmd(), newLedgerAppendCmd())
	return cmd
}

func newLedgerShowCmd() *cobra.Command {
	var entryType string
	var last int
	var formatted bool

	cmd := &cobra.Command{
		Use:   "show <work_item_id>",
		Short: "Show a work item's ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, err := openEnv()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := context.Background()

			if formatted {
				out, err := st.FormatLedger(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			}

			entries, err := st.ReadLedger(ctx, args[0], work.EntryType(entryType), last)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("[%d] %s %s: %s\n",
					e.Seq, e.CreatedAt.Format("15:04:05"), e.Type, e.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&entryType, "type", "", "filter by entry type")
	cmd.Flags().IntVar(&last, "last", 0, "only the last N entries")
	cmd.Flags().BoolVar(&formatted, "formatted", false, "sectioned ledger view")
	return cmd
}

func newLedgerAppendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "append <work_item_id> <entry_type> <content>",
		Short: "Append a ledger entry (operator/manual)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, err := openEnv()
			if err != nil {
				return err
			}
			defer st.Close()

			entry, err := st.AppendLedger(context.Background(), args[0], work.EntryType(args[1]), args[2])
			if err != nil {
				return err
			}
			fmt.Printf("seq %d\n", entry.Seq)
			return nil
		},
	}
}
