package main

import (
	"fmt"

	"github.com/pellmont/holdfast/internal/clifmt"
	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List interactions awaiting reviewer action",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		held, err := store.ListHeld(cmd.Context())
		if err != nil {
			return err
		}
		if len(held) == 0 {
			fmt.Println(clifmt.Dim("no pending escalations"))
			return nil
		}
		fmt.Println(clifmt.Headerf("%d pending escalation(s)", len(held)))
		for _, in := range held {
			fmt.Printf("  %s  tier %d → %-12s  %s %s (risk %.2f, session %s)\n",
				clifmt.Key(in.ID), in.Tier(), in.EscalationTarget,
				string(in.Operation), in.Scope, in.RiskScore, in.Session)
		}
		return nil
	},
}
