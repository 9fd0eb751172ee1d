package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"cliprun/internal/ipc"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, worker and run status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				printStatus(cmd.OutOrStdout(), resp, shouldColorize(cmd.OutOrStdout()))
				return nil
			})
		},
	}
}

func printStatus(out io.Writer, resp *ipc.StatusResponse, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	workers := statusWarn
	workerDetail := "paused"
	if resp.Running {
		workers = statusOK
		workerDetail = fmt.Sprintf("%d workers on queue %s", resp.Workflow.Workers, resp.Workflow.Queue)
	}
	fmt.Fprintln(out, renderStatusLine("Workers", workers, workerDetail, colorize))
	fmt.Fprintln(out, renderStatusLine("PID", statusInfo, strconv.Itoa(resp.PID), colorize))
	fmt.Fprintln(out, renderStatusLine("Run store", statusInfo,
		fmt.Sprintf("%s %s (schema %s)", resp.StoreDriver, resp.StoreLocation, resp.SchemaVersion), colorize))
	fmt.Fprintln(out, renderStatusLine("Result store", statusInfo, resp.ResultStore, colorize))
	fmt.Fprintln(out, renderStatusLine("Pipeline", statusInfo, resp.Workflow.Pipeline, colorize))
	if resp.Workflow.LastError != "" {
		fmt.Fprintln(out, renderStatusLine("Last error", statusError, resp.Workflow.LastError, colorize))
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Stages", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, h := range resp.Workflow.StageHealth {
		kind := statusOK
		if !h.Ready {
			kind = statusError
		}
		fmt.Fprintln(out, renderStatusLine(h.Name, kind, h.Detail, colorize))
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Runs", colorize) {
		fmt.Fprintln(out, line)
	}
	rows := buildRunCountRows(resp.Workflow.RunCounts)
	if len(rows) == 0 {
		fmt.Fprintln(out, "No runs recorded")
	} else {
		fmt.Fprint(out, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}, ""))
	}
	if len(resp.Workflow.Active) > 0 {
		fmt.Fprintln(out)
		for _, active := range resp.Workflow.Active {
			fmt.Fprintln(out, renderStatusLine(active.WorkerID, statusInfo, "stepping "+active.RunID, colorize))
		}
	}
}

// statusOrder lists run statuses in lifecycle order for display.
var statusOrder = []string{"PENDING", "RUNNING", "AWAITING_APPROVAL", "RETRYING", "COMPLETED", "FAILED"}

func buildRunCountRows(counts map[string]int) [][]string {
	rank := make(map[string]int, len(statusOrder))
	for i, s := range statusOrder {
		rank[s] = i
	}
	keys := make([]string, 0, len(counts))
	for k, v := range counts {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return rank[keys[i]] < rank[keys[j]] })
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, strconv.Itoa(counts[k])})
	}
	return rows
}
