package llm

import (
	"context"
	"sync"
)

// StaticScorer returns a fixed score, optionally overridden per artifact.
// It is the oracle used when no model provider is configured, and in tests.
type StaticScorer struct {
	mu        sync.RWMutex
	def       int
	overrides map[string]int
}

func NewStaticScorer(score int) *StaticScorer {
	return &StaticScorer{def: clamp(score), overrides: make(map[string]int)}
}

// Set overrides the score for one artifact.
func (s *StaticScorer) Set(artifactID string, score int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[artifactID] = clamp(score)
}

func (s *StaticScorer) Name() string { return "static" }

func (s *StaticScorer) Score(ctx context.Context, sub Submission) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.overrides[sub.ArtifactID]; ok {
		return v, nil
	}
	return s.def, nil
}
