package stage

import (
	"context"
	"encoding/json"
)

// Input is what a stage receives for one execution.
type Input struct {
	RunID   string `json:"run_id"`
	StageID string `json:"stage_id"`
	Attempt int    `json:"attempt"`
	// Payload is the run input as submitted.
	Payload json.RawMessage `json:"input"`
	// Upstream holds the results of the stages already completed, by stage ID.
	Upstream map[string]Upstream `json:"upstream,omitempty"`
}

// Upstream is a completed stage's result as seen by later stages.
type Upstream struct {
	Ref  string          `json:"ref"`
	Data json.RawMessage `json:"data,omitempty"`
}

// FingerprintSource is the part of Input that identifies the work: the
// attempt number and upstream bytes are excluded, upstream references are not.
func (in Input) FingerprintSource() any {
	refs := make(map[string]string, len(in.Upstream))
	for id, up := range in.Upstream {
		refs[id] = up.Ref
	}
	return struct {
		Stage    string            `json:"stage"`
		Input    json.RawMessage   `json:"input"`
		Upstream map[string]string `json:"upstream"`
	}{Stage: in.StageID, Input: in.Payload, Upstream: refs}
}

// Result is a stage's output. Data must be JSON.
type Result struct {
	Data        json.RawMessage
	ContentType string
}

// Handler describes the contract the orchestrator needs from each stage.
type Handler interface {
	Execute(context.Context, Input) (Result, error)
	HealthCheck(context.Context) Health
}

// HandlerFunc adapts a function to Handler. It always reports healthy.
type HandlerFunc func(context.Context, Input) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, in Input) (Result, error) { return f(ctx, in) }

func (f HandlerFunc) HealthCheck(context.Context) Health { return Healthy("func") }

// JSONResult marshals v as a JSON result.
func JSONResult(v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{Data: data, ContentType: "application/json"}, nil
}
