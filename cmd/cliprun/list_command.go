package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"cliprun/internal/api"
	"cliprun/internal/ipc"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var limit int
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.List(cmd.Context(), statuses, limit)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				printRunTable(cmd.OutOrStdout(), resp.Runs, shouldColorize(cmd.OutOrStdout()))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Only show runs in these statuses (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of runs to show (0 for all)")
	return cmd
}

func printRunTable(out io.Writer, runs []api.Run, colorize bool) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs")
		return
	}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		stageLabel := run.CurrentStage
		if stageLabel == "" {
			stageLabel = "-"
		}
		rows = append(rows, []string{
			run.ID,
			colorStatus(run.Status, colorize),
			stageLabel,
			strconv.Itoa(run.StageAttempt),
			run.UpdatedAt,
			run.Error,
		})
	}
	footer := fmt.Sprintf("%d run(s)", len(runs))
	fmt.Fprint(out, renderTable(
		[]string{"Run", "Status", "Stage", "Attempt", "Updated", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
		footer,
	))
}
