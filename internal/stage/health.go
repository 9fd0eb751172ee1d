package stage

import "context"

// Health summarizes the readiness of a pipeline stage collaborator.
type Health struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// CheckAll reports the health of every stage in p.
func CheckAll(ctx context.Context, p *Pipeline) []Health {
	out := make([]Health, 0, len(p.stages))
	for _, st := range p.stages {
		h := st.Handler.HealthCheck(ctx)
		h.Name = st.ID
		out = append(out, h)
	}
	return out
}
