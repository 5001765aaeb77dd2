// Package policy defines the prediction contract every dialogue policy
// satisfies and the built-in deterministic variants: rule, form, memoization,
// fallback and the learned-scorer adapter. Policies are pure functions of the
// featurized history and snapshot; replaying an identical log twice must
// yield identical predictions.
package policy

import (
	"context"
	"fmt"

	"colloquy/internal/featurize"
	"colloquy/internal/tracker"
)

// DefaultListenAction is the conventional no-op action that waits for the
// next user message.
const DefaultListenAction = "action_listen"

// Tier orders policy classes for arbitration. Higher tiers win outright over
// lower ones when present; confidence only breaks ties within a tier or among
// the learned tiers.
type Tier int

const (
	TierFallback Tier = iota
	TierML
	TierMemo
	TierForm
	TierRule
)

// String returns the tier's short name.
func (t Tier) String() string {
	switch t {
	case TierRule:
		return "rule"
	case TierForm:
		return "form"
	case TierMemo:
		return "memo"
	case TierML:
		return "ml"
	case TierFallback:
		return "fallback"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Prediction is one policy's proposal for the next action. Immutable once
// produced. An empty Action means the policy abstained: it contributes
// nothing to arbitration, which is distinct from proposing at low confidence.
type Prediction struct {
	Policy     string
	Action     string
	Confidence float64
	Tier       Tier
}

// Abstained reports whether this prediction opts out of arbitration.
func (p Prediction) Abstained() bool {
	return p.Action == ""
}

// Abstain builds an explicit abstention for the named policy.
func Abstain(policyName string) Prediction {
	return Prediction{Policy: policyName}
}

// Policy is the capability contract for arbitration participants.
// Implementations must hold no hidden mutable state across calls and must
// return a confidence in [0,1].
type Policy interface {
	Name() string
	Predict(ctx context.Context, features *featurize.Features, snap *tracker.Snapshot) (Prediction, error)
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
