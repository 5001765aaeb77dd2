package policy

import (
	"context"

	"colloquy/internal/domain"
	"colloquy/internal/featurize"
	"colloquy/internal/tracker"
)

// Default fallback configuration when the domain declares none.
const (
	DefaultFallbackAction    = "action_default_fallback"
	DefaultFallbackThreshold = 0.3
)

// FallbackPolicy is the safety net: it always proposes the configured
// fallback action at the lowest tier, with the confidence threshold as its
// score. Any learned prediction strictly below the threshold therefore loses
// to it on confidence, and when every other policy abstains the fallback
// proposal is the one that survives arbitration.
type FallbackPolicy struct {
	name      string
	action    string
	threshold float64
}

// NewFallbackPolicy builds a fallback from the domain's spec, applying
// defaults for unset fields.
func NewFallbackPolicy(spec domain.FallbackSpec) *FallbackPolicy {
	action := spec.Action
	if action == "" {
		action = DefaultFallbackAction
	}
	threshold := spec.Threshold
	if threshold <= 0 {
		threshold = DefaultFallbackThreshold
	}
	return &FallbackPolicy{name: "fallback", action: action, threshold: threshold}
}

// Name returns the policy's registration name.
func (p *FallbackPolicy) Name() string { return p.name }

// Threshold returns the configured confidence floor.
func (p *FallbackPolicy) Threshold() float64 { return p.threshold }

// Predict always proposes the fallback action; it never abstains.
func (p *FallbackPolicy) Predict(ctx context.Context, features *featurize.Features, snap *tracker.Snapshot) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Abstain(p.name), err
	}
	return Prediction{Policy: p.name, Action: p.action, Confidence: p.threshold, Tier: TierFallback}, nil
}
