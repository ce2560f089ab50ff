package main

import (
	"fmt"

	"github.com/pellmont/holdfast/engine"
	"github.com/pellmont/holdfast/internal/clifmt"
	"github.com/spf13/cobra"
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Route one classified operation and print the decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()

		operation, _ := cmd.Flags().GetString("operation")
		scope, _ := cmd.Flags().GetString("scope")
		session, _ := cmd.Flags().GetString("session")
		risk, _ := cmd.Flags().GetFloat64("risk")
		confidence, _ := cmd.Flags().GetFloat64("confidence")

		bundle, err := engineFromViper(cmd.Context(), log)
		if err != nil {
			return err
		}
		defer bundle.Close()

		dec, in, err := bundle.Engine.Decide(cmd.Context(), engine.DecideRequest{
			Operation:  engine.Operation(operation),
			Scope:      scope,
			Session:    session,
			RiskScore:  risk,
			Confidence: confidence,
		})
		if err != nil {
			return err
		}

		fmt.Println(clifmt.Headerf("interaction %s", in.ID))
		fmt.Printf("%s %s\n", clifmt.Key("decision:"), decisionLabel(dec))
		fmt.Printf("%s %s\n", clifmt.Key("status:"), string(in.Status))
		if in.Reason != "" {
			fmt.Printf("%s %s\n", clifmt.Key("reason:"), in.Reason)
		}
		if dec.Type == engine.DecisionEscalate {
			fmt.Printf("%s %s (priority %d)\n", clifmt.Key("target:"), in.EscalationTarget, dec.Priority)
		}
		if dec.Type == engine.DecisionConditionalApprove {
			fmt.Printf("%s extra_logging=%v monitoring=%v\n",
				clifmt.Key("safeguards:"), dec.Safeguards.ExtraLogging, dec.Safeguards.Monitoring)
		}
		if dec.ConfidenceBoost > 0 {
			fmt.Printf("%s %.2f\n", clifmt.Key("confidence_boost:"), dec.ConfidenceBoost)
		}
		return nil
	},
}

func decisionLabel(dec engine.Decision) string {
	switch dec.Type {
	case engine.DecisionAutoApprove, engine.DecisionConditionalApprove:
		return clifmt.Success(string(dec.Type))
	case engine.DecisionDeny:
		return clifmt.Warn(string(dec.Type))
	default:
		return string(dec.Type)
	}
}

func init() {
	decideCmd.Flags().String("operation", "", "operation kind (file-edit, commit, shell-exec, destructive-op, test-run)")
	decideCmd.Flags().String("scope", "", "operation scope (path, branch or target)")
	decideCmd.Flags().String("session", "", "owning agent session")
	decideCmd.Flags().Float64("risk", 1.0, "classifier risk score in [0,1]")
	decideCmd.Flags().Float64("confidence", 0.0, "classifier confidence in [0,1]")
	_ = decideCmd.MarkFlagRequired("operation")
	_ = decideCmd.MarkFlagRequired("scope")
	_ = decideCmd.MarkFlagRequired("session")
}
