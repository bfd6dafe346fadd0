package planner

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aegis-sec/aegis/internal/llm"
)

// Defaults applied to fields the LLM leaves out.
const (
	defaultReasoning = "no reasoning provided"
	defaultDuration  = 30 * time.Minute
)

var defaultSafetyConsiderations = []string{"rate limit all requests"}

// ParseStrategy extracts the Strategy JSON object from an LLM response,
// tolerating fenced blocks and surrounding prose, and fills defaults
// for missing fields.
func ParseStrategy(content, phase string) (*Strategy, error) {
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("planner: no JSON object in response")
	}

	var s Strategy
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("planner: decode strategy: %w", err)
	}

	if s.Phase == "" {
		s.Phase = phase
	}
	if s.Reasoning == "" {
		s.Reasoning = defaultReasoning
	}
	if s.Recommendations == nil {
		s.Recommendations = []AttackStep{}
	}
	if s.ConfidenceLevel <= 0 || s.ConfidenceLevel > 1 {
		s.ConfidenceLevel = defaultConfidence
	}
	if s.EstimatedDurationMin > 0 {
		s.EstimatedDuration = time.Duration(s.EstimatedDurationMin * float64(time.Minute))
	} else {
		s.EstimatedDuration = defaultDuration
		s.EstimatedDurationMin = defaultDuration.Minutes()
	}
	if len(s.SafetyConsiderations) == 0 {
		s.SafetyConsiderations = append([]string(nil), defaultSafetyConsiderations...)
	}
	return &s, nil
}
