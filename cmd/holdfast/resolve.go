package main

import (
	"fmt"

	"github.com/pellmont/holdfast/internal/clifmt"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <interaction-id>",
	Short: "Apply a reviewer decision to a held interaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()

		approve, _ := cmd.Flags().GetBool("approve")
		deny, _ := cmd.Flags().GetBool("deny")
		actor, _ := cmd.Flags().GetString("actor")
		if approve == deny {
			return fmt.Errorf("exactly one of --approve or --deny is required")
		}

		bundle, err := engineFromViper(cmd.Context(), log)
		if err != nil {
			return err
		}
		defer bundle.Close()

		in, err := bundle.Engine.Resolve(cmd.Context(), args[0], approve, actor)
		if err != nil {
			return err
		}

		label := clifmt.Warn(string(in.Status))
		if approve && in.Resolution == "approved" {
			label = clifmt.Success(string(in.Status))
		}
		fmt.Printf("%s %s (resolution=%s, by=%s)\n",
			clifmt.Key(in.ID), label, string(in.Resolution), in.ResolvedBy)
		return nil
	},
}

func init() {
	resolveCmd.Flags().Bool("approve", false, "approve the interaction")
	resolveCmd.Flags().Bool("deny", false, "deny the interaction")
	resolveCmd.Flags().String("actor", "", "reviewer identity")
	_ = resolveCmd.MarkFlagRequired("actor")
}
