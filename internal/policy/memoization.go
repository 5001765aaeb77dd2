package policy

import (
	"context"
	"fmt"

	"colloquy/internal/domain"
	"colloquy/internal/events"
	"colloquy/internal/featurize"
	"colloquy/internal/logging"
	"colloquy/internal/tracker"
)

// MemoizationPolicy recalls exact trajectories seen in training stories. The
// bounded history window is hashed into a trajectory key, so lookup cost does
// not grow with conversation length. On an exact match it proposes the
// memorized action with confidence 1.0; otherwise it abstains.
type MemoizationPolicy struct {
	name       string
	featurizer *featurize.MaxHistoryFeaturizer
	lookup     map[string]string
}

// NewMemoizationPolicy creates an untrained policy sharing the processor's
// featurizer, so training and prediction hash identical windows.
func NewMemoizationPolicy(f *featurize.MaxHistoryFeaturizer) *MemoizationPolicy {
	return &MemoizationPolicy{
		name:       "memoization",
		featurizer: f,
		lookup:     make(map[string]string),
	}
}

// Name returns the policy's registration name.
func (p *MemoizationPolicy) Name() string { return p.name }

// Size returns the number of memorized trajectories.
func (p *MemoizationPolicy) Size() int { return len(p.lookup) }

// Train memorizes every (window -> action) pair occurring in the stories.
// Conflicting stories keep the first-seen action and are reported, so the
// lookup table stays deterministic regardless of map iteration order.
func (p *MemoizationPolicy) Train(stories []domain.Story) error {
	for _, story := range stories {
		evs := story.Events()
		for i, e := range evs {
			action, ok := e.(*events.ActionExecuted)
			if !ok {
				continue
			}
			key, err := p.windowKey(evs[:i])
			if err != nil {
				return fmt.Errorf("story %q: %w", story.Name, err)
			}
			if existing, seen := p.lookup[key]; seen && existing != action.Action {
				logging.Get(logging.CategoryPolicy).Warn(
					"memoization: story %q conflicts at %s (%s vs %s), keeping first",
					story.Name, key, existing, action.Action)
				continue
			}
			p.lookup[key] = action.Action
		}
	}
	logging.Policy("memoization: trained on %d stories, %d trajectories", len(stories), len(p.lookup))
	return nil
}

func (p *MemoizationPolicy) windowKey(prefix []events.Event) (string, error) {
	snap := tracker.ReplayEvents("training", prefix)
	feats, err := p.featurizer.Featurize(snap, prefix)
	if err != nil {
		return "", err
	}
	return feats.TrajectoryKey(), nil
}

// Predict looks the current window up in the memorized table.
func (p *MemoizationPolicy) Predict(ctx context.Context, features *featurize.Features, snap *tracker.Snapshot) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Abstain(p.name), err
	}
	if features == nil {
		return Abstain(p.name), fmt.Errorf("memoization requires featurized history")
	}

	action, ok := p.lookup[features.TrajectoryKey()]
	if !ok {
		logging.PolicyDebug("memoization: no memorized trajectory for session=%s", snap.SessionKey)
		return Abstain(p.name), nil
	}
	logging.PolicyDebug("memoization: recalled %s for session=%s", action, snap.SessionKey)
	return Prediction{Policy: p.name, Action: action, Confidence: 1.0, Tier: TierMemo}, nil
}
