package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"cliprun/internal/api"
	"cliprun/internal/ipc"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <run-id>",
		Short: "Show a run's event log and stage executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				printHistory(cmd.OutOrStdout(), resp, shouldColorize(cmd.OutOrStdout()))
				return nil
			})
		},
	}
}

func printHistory(out io.Writer, resp *ipc.HistoryResponse, colorize bool) {
	run := resp.Run
	fmt.Fprintf(out, "Run %s [%s] queue=%s input=%s\n", run.ID, colorStatus(run.Status, colorize), run.Queue, string(run.Input))
	if run.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", run.Error)
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Stage Executions", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprint(out, executionTable(resp.Executions))
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Events", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprint(out, eventTable(resp.Events))
}

func executionTable(execs []api.Execution) string {
	if len(execs) == 0 {
		return "No stage executions\n"
	}
	rows := make([][]string, 0, len(execs))
	for _, e := range execs {
		rows = append(rows, []string{
			e.StageID,
			strconv.Itoa(e.Attempt),
			e.Outcome,
			strconv.Itoa(e.Tries),
			e.StartedAt,
			e.FinishedAt,
			e.Error,
		})
	}
	return renderTable(
		[]string{"Stage", "Attempt", "Outcome", "Tries", "Started", "Finished", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight},
		"",
	)
}

func eventTable(events []api.Event) string {
	if len(events) == 0 {
		return "No events\n"
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{
			strconv.FormatInt(e.Seq, 10),
			e.CreatedAt,
			e.Kind,
			e.StageID,
			e.Detail,
		})
	}
	return renderTable(
		[]string{"#", "At", "Event", "Stage", "Detail"},
		rows,
		[]columnAlignment{alignRight},
		"",
	)
}
