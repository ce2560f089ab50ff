package main

import (
	"fmt"

	"github.com/pellmont/holdfast/cache"
	"github.com/pellmont/holdfast/db"
	"github.com/pellmont/holdfast/internal/clifmt"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the decision cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show learned (operation, scope) aggregates",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		gdb, err := db.Open(cmd.Context(), dbConfigFromViper())
		if err != nil {
			return err
		}
		if err := db.AutoMigrate(gdb); err != nil {
			return err
		}

		entries, err := cache.NewGormStore(gdb).Stats(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println(clifmt.Dim("cache is empty"))
			return nil
		}
		fmt.Println(clifmt.Headerf("%d cached key(s)", len(entries)))
		for _, e := range entries {
			fmt.Printf("  %s %s  observed=%d success=%.0f%%  last used %s\n",
				clifmt.Key(e.Operation), e.Scope,
				e.ObservedCount, e.SuccessRate*100,
				e.LastUsedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

func init() {
	cacheStatsCmd.Flags().Int("limit", 50, "maximum keys to list")
	cacheCmd.AddCommand(cacheStatsCmd)
}
