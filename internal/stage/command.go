package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"cliprun/internal/services"
)

// CommandStage runs a local program with the stage input on stdin and reads
// the JSON result from stdout.
type CommandStage struct {
	id      string
	command []string
	env     map[string]string
}

// NewCommandStage constructs a command collaborator for spec.
func NewCommandStage(spec Spec) *CommandStage {
	return &CommandStage{id: spec.ID, command: spec.Command, env: spec.Env}
}

func (s *CommandStage) Execute(ctx context.Context, in Input) (Result, error) {
	stdin, err := json.Marshal(in)
	if err != nil {
		return Result{}, services.Wrap(services.ErrInvalidInput, s.id, "encode input", "Stage input could not be encoded", err)
	}
	cmd := exec.CommandContext(ctx, s.command[0], s.command[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		"CLIPRUN_RUN_ID="+in.RunID,
		"CLIPRUN_STAGE="+in.StageID,
		fmt.Sprintf("CLIPRUN_ATTEMPT=%d", in.Attempt),
	)
	for k, v := range s.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, services.Wrap(services.ErrExternalTool, s.id, "run command",
				fmt.Sprintf("%s exited with code %d: %s", s.command[0], exitErr.ExitCode(), lastLine(stderr.String())), nil)
		}
		return Result{}, services.Wrap(services.ErrConfiguration, s.id, "run command",
			fmt.Sprintf("%s could not be started", s.command[0]), err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		out = []byte("{}")
	}
	if !json.Valid(out) {
		return Result{}, services.Wrap(services.ErrExternalTool, s.id, "decode output",
			fmt.Sprintf("%s wrote non-JSON output", s.command[0]), nil)
	}
	return Result{Data: out, ContentType: "application/json"}, nil
}

func (s *CommandStage) HealthCheck(context.Context) Health {
	if _, err := exec.LookPath(s.command[0]); err != nil {
		return Unhealthy(s.id, fmt.Sprintf("%s not found", s.command[0]))
	}
	return Healthy(s.id)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
