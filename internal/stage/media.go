package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"cliprun/internal/services"
)

// Built-in media stage IDs.
const (
	StageIngest    = "ingest"
	StageSegmenter = "segmenter"
	StageFinalize  = "finalize"
)

const defaultSegmentCount = 4

var builtins = map[string]Handler{
	StageIngest:    builtin{id: StageIngest, run: ingest},
	StageSegmenter: builtin{id: StageSegmenter, run: segmentVideo},
	StageFinalize:  builtin{id: StageFinalize, run: finalize},
}

type builtin struct {
	id  string
	run func(Input) (any, error)
}

func (b builtin) Execute(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	out, err := b.run(in)
	if err != nil {
		return Result{}, err
	}
	return JSONResult(out)
}

func (b builtin) HealthCheck(context.Context) Health { return Healthy(b.id) }

type mediaInput struct {
	Video    string `json:"video"`
	Segments int    `json:"segments"`
}

type ingestResult struct {
	Video     string `json:"video"`
	Name      string `json:"name"`
	Container string `json:"container"`
}

type segmentEntry struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

type segmentResult struct {
	Video    string         `json:"video"`
	Attempt  int            `json:"attempt"`
	Segments []segmentEntry `json:"segments"`
}

type finalizeResult struct {
	Video    string `json:"video"`
	Output   string `json:"output"`
	Segments int    `json:"segments"`
}

func decodeMedia(in Input) (mediaInput, error) {
	var m mediaInput
	if err := json.Unmarshal(in.Payload, &m); err != nil {
		return m, services.Wrap(services.ErrInvalidInput, in.StageID, "decode input", "Run input is not a media request", err)
	}
	if strings.TrimSpace(m.Video) == "" {
		return m, services.Wrap(services.ErrInvalidInput, in.StageID, "decode input", "Run input has no video", nil)
	}
	return m, nil
}

func ingest(in Input) (any, error) {
	m, err := decodeMedia(in)
	if err != nil {
		return nil, err
	}
	ext := strings.TrimPrefix(path.Ext(m.Video), ".")
	return ingestResult{
		Video:     m.Video,
		Name:      strings.TrimSuffix(path.Base(m.Video), path.Ext(m.Video)),
		Container: strings.ToLower(ext),
	}, nil
}

func segmentVideo(in Input) (any, error) {
	m, err := decodeMedia(in)
	if err != nil {
		return nil, err
	}
	count := m.Segments
	if count <= 0 {
		count = defaultSegmentCount
	}
	base := strings.TrimSuffix(path.Base(m.Video), path.Ext(m.Video))
	out := segmentResult{Video: m.Video, Attempt: in.Attempt, Segments: make([]segmentEntry, 0, count)}
	for i := range count {
		out.Segments = append(out.Segments, segmentEntry{Index: i, Name: fmt.Sprintf("%s-%03d", base, i)})
	}
	return out, nil
}

func finalize(in Input) (any, error) {
	m, err := decodeMedia(in)
	if err != nil {
		return nil, err
	}
	up, ok := in.Upstream[StageSegmenter]
	if !ok {
		return nil, services.Wrap(services.ErrInvalidInput, in.StageID, "read segments", "Segmenter result missing", nil)
	}
	var seg segmentResult
	if err := json.Unmarshal(up.Data, &seg); err != nil {
		return nil, services.Wrap(services.ErrInvalidInput, in.StageID, "read segments", "Segmenter result unreadable", err)
	}
	base := strings.TrimSuffix(path.Base(m.Video), path.Ext(m.Video))
	return finalizeResult{Video: m.Video, Output: base + ".segments.json", Segments: len(seg.Segments)}, nil
}
