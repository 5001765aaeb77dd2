package policy

import (
	"context"
	"fmt"
	"sort"

	"colloquy/internal/domain"
	"colloquy/internal/events"
	"colloquy/internal/featurize"
	"colloquy/internal/logging"
	"colloquy/internal/tracker"
)

// Scorer is the black-box contract a learned model satisfies: a pure,
// bounded-latency function from featurized history to a normalized confidence
// per candidate action. Model internals (training, architecture) live
// entirely behind this boundary.
type Scorer interface {
	Score(ctx context.Context, features *featurize.Features, snap *tracker.Snapshot) (map[string]float64, error)
}

// LearnedPolicy adapts a Scorer into the ensemble's policy contract.
type LearnedPolicy struct {
	name   string
	scorer Scorer
}

// NewLearnedPolicy wraps a scorer under the given registration name.
func NewLearnedPolicy(name string, scorer Scorer) *LearnedPolicy {
	return &LearnedPolicy{name: name, scorer: scorer}
}

// Name returns the policy's registration name.
func (p *LearnedPolicy) Name() string { return p.name }

// Predict scores all candidates and proposes the best one. Ties resolve to
// the lexicographically first action so identical inputs always yield the
// same proposal.
func (p *LearnedPolicy) Predict(ctx context.Context, features *featurize.Features, snap *tracker.Snapshot) (Prediction, error) {
	scores, err := p.scorer.Score(ctx, features, snap)
	if err != nil {
		return Abstain(p.name), fmt.Errorf("scorer failed: %w", err)
	}
	if len(scores) == 0 {
		return Abstain(p.name), nil
	}

	actions := make([]string, 0, len(scores))
	for a := range scores {
		actions = append(actions, a)
	}
	sort.Strings(actions)

	best := actions[0]
	for _, a := range actions[1:] {
		if scores[a] > scores[best] {
			best = a
		}
	}

	confidence := clampConfidence(scores[best])
	logging.PolicyDebug("%s: scored %d candidates, best %s at %.3f",
		p.name, len(scores), best, confidence)
	return Prediction{Policy: p.name, Action: best, Confidence: confidence, Tier: TierML}, nil
}

// FrequencyScorer is a deterministic in-process scorer trained on stories:
// it scores candidate actions by how often each followed the current turn
// state during training. It stands in for a real model in tests and offline
// runs.
type FrequencyScorer struct {
	counts map[string]map[string]int
	totals map[string]int
}

// NewFrequencyScorer creates an untrained scorer.
func NewFrequencyScorer() *FrequencyScorer {
	return &FrequencyScorer{
		counts: make(map[string]map[string]int),
		totals: make(map[string]int),
	}
}

// Train counts (turn state -> next action) transitions across the stories.
func (s *FrequencyScorer) Train(stories []domain.Story, f *featurize.MaxHistoryFeaturizer) error {
	for _, story := range stories {
		evs := story.Events()
		for i, e := range evs {
			action, ok := e.(*events.ActionExecuted)
			if !ok {
				continue
			}
			prefix := evs[:i]
			snap := tracker.ReplayEvents("training", prefix)
			feats, err := f.Featurize(snap, prefix)
			if err != nil {
				return fmt.Errorf("story %q: %w", story.Name, err)
			}
			key := lastStateKey(feats)
			if s.counts[key] == nil {
				s.counts[key] = make(map[string]int)
			}
			s.counts[key][action.Action]++
			s.totals[key]++
		}
	}
	logging.Policy("frequency scorer: trained on %d stories, %d states", len(stories), len(s.counts))
	return nil
}

// Score returns the normalized transition frequencies for the current state.
func (s *FrequencyScorer) Score(ctx context.Context, features *featurize.Features, snap *tracker.Snapshot) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if features == nil {
		return nil, fmt.Errorf("frequency scorer requires featurized history")
	}

	key := lastStateKey(features)
	total := s.totals[key]
	if total == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(s.counts[key]))
	for action, n := range s.counts[key] {
		out[action] = float64(n) / float64(total)
	}
	return out, nil
}

// lastStateKey isolates the newest turn state in the window.
func lastStateKey(f *featurize.Features) string {
	if len(f.Keys) == 0 {
		return ""
	}
	return f.Keys[len(f.Keys)-1]
}
