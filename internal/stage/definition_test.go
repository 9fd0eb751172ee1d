package stage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cliprun/internal/services"
	"cliprun/internal/stage"
)

func TestParseDefinition(t *testing.T) {
	def, err := stage.ParseDefinition([]byte(`
name: media-remote
stages:
  - id: ingest
    kind: builtin
  - id: segmenter
    kind: http
    endpoint: http://segmenter.local/run
    requires_approval: true
    timeout: 90s
    headers:
      Authorization: Bearer token
  - id: publish
    kind: command
    command: ["/usr/local/bin/publish", "--json"]
`))
	require.NoError(t, err)
	require.Len(t, def.Stages, 3)
	assert.Equal(t, "media-remote", def.Name)
	assert.True(t, def.Stages[1].RequiresApproval)
	assert.Equal(t, "Bearer token", def.Stages[1].Headers["Authorization"])
	timeout, err := def.Stages[1].TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, timeout)
	assert.Equal(t, []string{"/usr/local/bin/publish", "--json"}, def.Stages[2].Command)
}

func TestParseDefinitionRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":           "name: x\n",
		"duplicate":       "stages:\n  - {id: ingest, kind: builtin}\n  - {id: ingest, kind: builtin}\n",
		"unknown kind":    "stages:\n  - {id: a, kind: grpc}\n",
		"http no url":     "stages:\n  - {id: a, kind: http, endpoint: segmenter.local}\n",
		"command empty":   "stages:\n  - {id: a, kind: command}\n",
		"bad timeout":     "stages:\n  - {id: ingest, kind: builtin, timeout: soon}\n",
		"unknown builtin": "stages:\n  - {id: transcode, kind: builtin}\n",
		"not yaml":        "stages: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := stage.ParseDefinition([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, services.ErrConfiguration))
		})
	}
}

func TestLoadDefinitionDefaultsToMediaPipeline(t *testing.T) {
	def, err := stage.LoadDefinition("")
	require.NoError(t, err)
	p, err := stage.Build(def, nil)
	require.NoError(t, err)

	assert.Equal(t, "media", p.Name())
	assert.Equal(t, stage.StageIngest, p.First())
	next, ok := p.Next(stage.StageIngest)
	require.True(t, ok)
	assert.Equal(t, stage.StageSegmenter, next)
	_, ok = p.Next(stage.StageFinalize)
	assert.False(t, ok)
	assert.Equal(t, []string{stage.StageIngest, stage.StageSegmenter}, p.Before(stage.StageFinalize))

	seg, ok := p.Lookup(stage.StageSegmenter)
	require.True(t, ok)
	assert.True(t, seg.RequiresApproval)
}

func TestNewPipelineRejectsDuplicates(t *testing.T) {
	noop := stage.HandlerFunc(func(_ context.Context, _ stage.Input) (stage.Result, error) { return stage.Result{}, nil })
	_, err := stage.NewPipeline("p", stage.Stage{ID: "a", Handler: noop}, stage.Stage{ID: "a", Handler: noop})
	assert.Error(t, err)
	_, err = stage.NewPipeline("p", stage.Stage{ID: "a"})
	assert.Error(t, err)
}
