package main

import (
	"fmt"

	"github.com/pellmont/holdfast/db"
	"github.com/pellmont/holdfast/engine"
	"github.com/pellmont/holdfast/internal/clifmt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status [interaction-id]",
	Short: "Show an interaction, or all held interactions for a session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		if len(args) == 0 && session == "" {
			return fmt.Errorf("an interaction id or --session is required")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 1 {
			in, ok, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("interaction not found: %s", args[0])
			}
			printInteraction(in)
			return nil
		}

		held, err := store.ListHeldBySession(cmd.Context(), session)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			fmt.Println(clifmt.Dim("no held interactions"))
			return nil
		}
		for _, in := range held {
			printInteraction(in)
		}
		return nil
	},
}

func printInteraction(in engine.Interaction) {
	fmt.Println(clifmt.Headerf("%s [%s]", in.ID, string(in.Status)))
	fmt.Printf("  %s %s %s (session %s)\n", clifmt.Key("op:"), string(in.Operation), in.Scope, in.Session)
	fmt.Printf("  %s risk=%.2f confidence=%.2f\n", clifmt.Key("classified:"), in.RiskScore, in.Confidence)
	if in.Status == engine.StatusHeld {
		fmt.Printf("  %s tier %d → %s (escalations: %d)\n",
			clifmt.Key("held:"), in.Tier(), in.EscalationTarget, in.EscalationCount)
	}
	if in.Resolution != "" {
		fmt.Printf("  %s %s", clifmt.Key("resolution:"), string(in.Resolution))
		if in.ResolvedBy != "" {
			fmt.Printf(" by %s", in.ResolvedBy)
		}
		if in.Reason != "" {
			fmt.Printf(" (%s)", in.Reason)
		}
		fmt.Println()
	}
}

func openStore() (*engine.SQLiteStore, error) {
	dsn, err := db.ResolveSQLiteDSN(viper.GetString("db.dsn"))
	if err != nil {
		return nil, err
	}
	return engine.NewSQLiteStore(dsn)
}

func init() {
	statusCmd.Flags().String("session", "", "list held interactions for this session")
}
