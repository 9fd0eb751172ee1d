package stage

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cliprun/internal/services"
)

// Stage kinds accepted in a pipeline definition.
const (
	KindHTTP    = "http"
	KindCommand = "command"
	KindBuiltin = "builtin"
)

// Definition is the on-disk pipeline description.
type Definition struct {
	Name   string `yaml:"name"`
	Stages []Spec `yaml:"stages"`
}

// Spec declares one stage.
type Spec struct {
	ID               string            `yaml:"id"`
	Kind             string            `yaml:"kind"`
	RequiresApproval bool              `yaml:"requires_approval"`
	Timeout          string            `yaml:"timeout"`
	Endpoint         string            `yaml:"endpoint"`
	Headers          map[string]string `yaml:"headers"`
	Command          []string          `yaml:"command"`
	Env              map[string]string `yaml:"env"`
}

// TimeoutDuration parses Timeout; empty means no per-call limit.
func (s Spec) TimeoutDuration() (time.Duration, error) {
	if strings.TrimSpace(s.Timeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("stage %s timeout: %w", s.ID, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("stage %s timeout must be positive", s.ID)
	}
	return d, nil
}

// DefaultDefinition is the built-in media pipeline: ingest, then segmenter
// (which waits for operator approval), then finalize.
func DefaultDefinition() Definition {
	return Definition{
		Name: "media",
		Stages: []Spec{
			{ID: StageIngest, Kind: KindBuiltin},
			{ID: StageSegmenter, Kind: KindBuiltin, RequiresApproval: true},
			{ID: StageFinalize, Kind: KindBuiltin},
		},
	}
}

// LoadDefinition reads a YAML pipeline file. An empty path selects
// DefaultDefinition.
func LoadDefinition(path string) (Definition, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultDefinition(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, services.Wrap(services.ErrConfiguration, "pipeline", "read definition",
			"Pipeline definition could not be read", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes and validates a YAML pipeline.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, services.Wrap(services.ErrConfiguration, "pipeline", "parse definition",
			"Pipeline definition is not valid YAML", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, services.Wrap(services.ErrConfiguration, "pipeline", "validate definition",
			"Pipeline definition is invalid", err)
	}
	return def, nil
}

// Validate checks stage IDs, kinds and kind-specific settings.
func (d Definition) Validate() error {
	if len(d.Stages) == 0 {
		return errors.New("pipeline has no stages")
	}
	seen := make(map[string]struct{}, len(d.Stages))
	var problems []string
	for i, spec := range d.Stages {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			problems = append(problems, fmt.Sprintf("stage %d: id is required", i))
			continue
		}
		if _, dup := seen[id]; dup {
			problems = append(problems, fmt.Sprintf("stage %s: duplicate id", id))
		}
		seen[id] = struct{}{}
		switch spec.Kind {
		case KindHTTP:
			if !strings.HasPrefix(spec.Endpoint, "http://") && !strings.HasPrefix(spec.Endpoint, "https://") {
				problems = append(problems, fmt.Sprintf("stage %s: endpoint must be an http(s) URL", id))
			}
		case KindCommand:
			if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
				problems = append(problems, fmt.Sprintf("stage %s: command is required", id))
			}
		case KindBuiltin:
			if _, ok := builtins[id]; !ok {
				problems = append(problems, fmt.Sprintf("stage %s: no built-in stage with this id", id))
			}
		default:
			problems = append(problems, fmt.Sprintf("stage %s: unknown kind %q", id, spec.Kind))
		}
		if _, err := spec.TimeoutDuration(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
