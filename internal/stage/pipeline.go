package stage

import (
	"fmt"
	"net/http"
	"time"
)

// Stage is one resolved pipeline step.
type Stage struct {
	ID               string
	RequiresApproval bool
	Timeout          time.Duration
	Handler          Handler
}

// Pipeline is an ordered list of stages.
type Pipeline struct {
	name   string
	stages []Stage
	index  map[string]int
}

// NewPipeline builds a pipeline from already constructed stages.
func NewPipeline(name string, stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline %s has no stages", name)
	}
	p := &Pipeline{name: name, stages: stages, index: make(map[string]int, len(stages))}
	for i, st := range stages {
		if st.ID == "" {
			return nil, fmt.Errorf("pipeline %s: stage %d has no id", name, i)
		}
		if st.Handler == nil {
			return nil, fmt.Errorf("pipeline %s: stage %s has no handler", name, st.ID)
		}
		if _, dup := p.index[st.ID]; dup {
			return nil, fmt.Errorf("pipeline %s: duplicate stage %s", name, st.ID)
		}
		p.index[st.ID] = i
	}
	return p, nil
}

// Build resolves every stage of def into a handler. client is shared by
// HTTP stages; nil selects a default client.
func Build(def Definition, client *http.Client) (*Pipeline, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}
	stages := make([]Stage, 0, len(def.Stages))
	for _, spec := range def.Stages {
		timeout, err := spec.TimeoutDuration()
		if err != nil {
			return nil, err
		}
		var handler Handler
		switch spec.Kind {
		case KindHTTP:
			handler = NewHTTPStage(spec, client)
		case KindCommand:
			handler = NewCommandStage(spec)
		case KindBuiltin:
			handler = builtins[spec.ID]
		}
		stages = append(stages, Stage{
			ID:               spec.ID,
			RequiresApproval: spec.RequiresApproval,
			Timeout:          timeout,
			Handler:          handler,
		})
	}
	name := def.Name
	if name == "" {
		name = "pipeline"
	}
	return NewPipeline(name, stages...)
}

func (p *Pipeline) Name() string { return p.name }

// First returns the ID of the first stage.
func (p *Pipeline) First() string { return p.stages[0].ID }

// Lookup finds a stage by ID.
func (p *Pipeline) Lookup(id string) (Stage, bool) {
	i, ok := p.index[id]
	if !ok {
		return Stage{}, false
	}
	return p.stages[i], true
}

// Next returns the stage after id; ok is false when id is the last stage.
func (p *Pipeline) Next(id string) (string, bool) {
	i, found := p.index[id]
	if !found || i+1 >= len(p.stages) {
		return "", false
	}
	return p.stages[i+1].ID, true
}

// Before returns the IDs of the stages preceding id, in order.
func (p *Pipeline) Before(id string) []string {
	i, ok := p.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, i)
	for _, st := range p.stages[:i] {
		out = append(out, st.ID)
	}
	return out
}

// Stages returns a copy of the stage list.
func (p *Pipeline) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}
