package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"cliprun/internal/api"
	"cliprun/internal/ipc"
)

func newRunCommands(ctx *commandContext) []*cobra.Command {
	var inputFile string
	startCmd := &cobra.Command{
		Use:   "start [input-json]",
		Short: "Start a pipeline run",
		Long: "Start a pipeline run for a JSON object input, given inline, with --file, " +
			"or on stdin with --file -.",
		Example: `  cliprun start '{"video":"a.mp4"}'
  cliprun start --file job.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readRunInput(cmd.InOrStdin(), args, inputFile)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.StartRun(cmd.Context(), input)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp.Run)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Run %s started at stage %s\n", resp.Run.ID, resp.Run.CurrentStage)
				return nil
			})
		},
	}
	startCmd.Flags().StringVarP(&inputFile, "file", "f", "", "Read the input document from a file (- for stdin)")

	progressCmd := &cobra.Command{
		Use:   "progress <run-id>",
		Short: "Show a run's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Progress(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp.Progress)
				}
				printProgress(cmd.OutOrStdout(), resp.Progress, shouldColorize(cmd.OutOrStdout()))
				return nil
			})
		},
	}

	approveCmd := newSignalCommand(ctx, "approve", "Approve the stage a run is waiting on",
		func(client *ipc.Client, cmd *cobra.Command, runID string) (*ipc.SignalResponse, error) {
			return client.Approve(cmd.Context(), runID)
		})
	retryCmd := newSignalCommand(ctx, "retry", "Re-run the stage a run is waiting on",
		func(client *ipc.Client, cmd *cobra.Command, runID string) (*ipc.SignalResponse, error) {
			return client.Retry(cmd.Context(), runID)
		})

	cancelCmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run, interrupting its current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Cancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp.Progress)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run %s cancelled\n", resp.Progress.RunID)
				return nil
			})
		},
	}

	return []*cobra.Command{startCmd, progressCmd, approveCmd, retryCmd, cancelCmd}
}

type signalFunc func(*ipc.Client, *cobra.Command, string) (*ipc.SignalResponse, error)

func newSignalCommand(ctx *commandContext, name, short string, send signalFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := send(client, cmd, args[0])
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if resp.Duplicate {
					fmt.Fprintf(out, "Run %s already received %s\n", resp.Progress.RunID, resp.Signal)
					return nil
				}
				fmt.Fprintf(out, "Run %s: %s accepted (now %s)\n", resp.Progress.RunID, resp.Signal, resp.Progress.Status)
				return nil
			})
		},
	}
}

func readRunInput(stdin io.Reader, args []string, file string) (json.RawMessage, error) {
	file = strings.TrimSpace(file)
	switch {
	case len(args) == 1 && file != "":
		return nil, errors.New("give the input inline or with --file, not both")
	case len(args) == 1:
		return json.RawMessage(args[0]), nil
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return json.RawMessage(data), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		return json.RawMessage(data), nil
	default:
		return nil, errors.New("input document is required")
	}
}

func printProgress(out io.Writer, p api.Progress, colorize bool) {
	fmt.Fprintf(out, "Run:     %s\n", p.RunID)
	fmt.Fprintf(out, "Status:  %s\n", colorStatus(p.Status, colorize))
	stageLabel := p.CurrentStage
	if stageLabel == "" {
		stageLabel = "-"
	}
	fmt.Fprintf(out, "Stage:   %s (attempt %d)\n", stageLabel, p.StageAttempt)
	if p.GateDeadline != "" {
		fmt.Fprintf(out, "Waiting: approve or retry before %s\n", p.GateDeadline)
	}
	if p.Error != "" {
		fmt.Fprintf(out, "Error:   %s\n", p.Error)
	}
	if p.UpdatedAt != "" {
		fmt.Fprintf(out, "Updated: %s\n", p.UpdatedAt)
	}
}
