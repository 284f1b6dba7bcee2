package models

import "time"

// TraceStep records the ads that remained after a pipeline stage.
type TraceStep struct {
	Stage    string            `json:"stage"`
	AdIDs    []string          `json:"ad_ids"`
	Duration time.Duration     `json:"duration_ns"`
	Details  map[string]string `json:"details,omitempty"`
}

// Trace is the ordered list of stages a decision went through.
type Trace struct {
	Steps []TraceStep `json:"steps"`
}

// AddStep appends a trace entry for stage with the surviving candidates.
func (t *Trace) AddStep(stage string, cands []MatchCandidate, took time.Duration) {
	t.AddStepWithDetails(stage, cands, took, nil)
}

// AddStepWithDetails appends a trace entry with additional details. Duplicate
// ad ids are removed.
func (t *Trace) AddStepWithDetails(stage string, cands []MatchCandidate, took time.Duration, details map[string]string) {
	if t == nil {
		return
	}
	step := TraceStep{Stage: stage, Duration: took, Details: details, AdIDs: []string{}}
	seen := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		if _, ok := seen[c.AdID]; ok {
			continue
		}
		seen[c.AdID] = struct{}{}
		step.AdIDs = append(step.AdIDs, c.AdID)
	}
	t.Steps = append(t.Steps, step)
}
