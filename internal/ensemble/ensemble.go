// Package ensemble runs every registered policy against the same projected
// state and arbitrates their predictions into exactly one action. Policies
// never see each other; all precedence lives here.
package ensemble

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"colloquy/internal/featurize"
	"colloquy/internal/logging"
	"colloquy/internal/policy"
	"colloquy/internal/tracker"
)

// ErrNoApplicablePolicy is returned when every policy abstained or failed
// and no fallback is registered to absorb the turn.
var ErrNoApplicablePolicy = errors.New("no policy produced a prediction")

// Outcome records what one policy did during a decision, for audit logs and
// the replay tooling.
type Outcome struct {
	Policy     string
	Prediction policy.Prediction
	Err        error
}

// Decision is the arbitration result: the single winning action plus full
// provenance of how it was chosen.
type Decision struct {
	Action     string
	Policy     string
	Confidence float64
	Tier       policy.Tier
	Outcomes   []Outcome
}

// Ensemble holds the policies in registration order. Order is part of the
// contract: it breaks exact ties, so two ensembles built the same way decide
// identically.
type Ensemble struct {
	policies []policy.Policy
}

// New builds an ensemble over the given policies. Registration order is
// preserved for tie-breaking.
func New(policies ...policy.Policy) (*Ensemble, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("ensemble requires at least one policy")
	}
	seen := make(map[string]struct{}, len(policies))
	for _, p := range policies {
		if _, dup := seen[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate policy name %q", p.Name())
		}
		seen[p.Name()] = struct{}{}
	}
	return &Ensemble{policies: policies}, nil
}

// Policies returns the registered policy names in order.
func (e *Ensemble) Policies() []string {
	names := make([]string, len(e.policies))
	for i, p := range e.policies {
		names[i] = p.Name()
	}
	return names
}

// Decide queries every policy concurrently and arbitrates. A policy that
// returns an error is treated as having abstained; the error is contained
// and recorded in the outcome rather than failing the turn.
func (e *Ensemble) Decide(ctx context.Context, features *featurize.Features, snap *tracker.Snapshot) (*Decision, error) {
	timer := logging.StartTimer(logging.CategoryEnsemble, "Decide")
	defer timer.Stop()

	outcomes := make([]Outcome, len(e.policies))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range e.policies {
		g.Go(func() error {
			pred, err := p.Predict(gctx, features, snap)
			if err != nil {
				logging.Get(logging.CategoryEnsemble).Warn(
					"policy %s failed, treating as abstention: %v", p.Name(), err)
				pred = policy.Abstain(p.Name())
			}
			outcomes[i] = Outcome{Policy: p.Name(), Prediction: pred, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	winner, ok := arbitrate(outcomes)
	if !ok {
		logging.Ensemble("session=%s: all %d policies abstained", snap.SessionKey, len(e.policies))
		return nil, ErrNoApplicablePolicy
	}

	d := &Decision{
		Action:     winner.Action,
		Policy:     winner.Policy,
		Confidence: winner.Confidence,
		Tier:       winner.Tier,
		Outcomes:   outcomes,
	}
	logging.Ensemble("session=%s: %s wins with %s (%.3f, tier=%s)",
		snap.SessionKey, d.Policy, d.Action, d.Confidence, d.Tier)
	return d, nil
}

// arbitrate picks the winning prediction. If any symbolic policy (form tier
// or above) spoke, the highest such tier wins and confidence only orders
// within that tier. Otherwise confidence alone decides. Exact ties go to the
// earliest-registered policy, which the index scan gives for free.
func arbitrate(outcomes []Outcome) (policy.Prediction, bool) {
	var winner policy.Prediction
	found := false

	for _, o := range outcomes {
		p := o.Prediction
		if p.Abstained() {
			continue
		}
		if !found {
			winner, found = p, true
			continue
		}
		if better(p, winner) {
			winner = p
		}
	}
	return winner, found
}

// better reports whether a should replace b as the current winner. Tier
// dominates whenever a symbolic policy is involved; otherwise confidence
// decides. Strict inequality keeps registration order on exact ties.
func better(a, b policy.Prediction) bool {
	aSym := a.Tier >= policy.TierForm
	bSym := b.Tier >= policy.TierForm
	if aSym || bSym {
		if a.Tier != b.Tier {
			return a.Tier > b.Tier
		}
		return a.Confidence > b.Confidence
	}
	return a.Confidence > b.Confidence
}
