package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the work queue",
	}

	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show backlog length and in-flight count",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.pipeline(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.Queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, stats)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderKeyValues([][2]string{
				{"Environment", stats.Environment},
				{"Backlog", strconv.FormatInt(stats.Backlog, 10)},
				{"In flight", strconv.FormatInt(stats.InFlight, 10)},
			}))
			return nil
		},
	})

	return queueCmd
}
