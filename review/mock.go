package review

import (
	"context"
	"fmt"
)

// ScriptedScorer returns queued scores in order, then repeats the last one.
// Err, when set, takes precedence and simulates an unavailable scorer.
type ScriptedScorer struct {
	Scores []Score
	Err    error
	calls  int
}

// Score pops the next scripted verdict.
func (s *ScriptedScorer) Score(_ context.Context, _, _ string) (Score, error) {
	if s.Err != nil {
		return Score{}, s.Err
	}
	if len(s.Scores) == 0 {
		return Score{}, fmt.Errorf("no scripted scores")
	}
	i := s.calls
	if i >= len(s.Scores) {
		i = len(s.Scores) - 1
	}
	s.calls++
	return s.Scores[i], nil
}
