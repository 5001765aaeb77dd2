package policy

import (
	"context"
	"fmt"
	"sort"

	"colloquy/internal/domain"
	"colloquy/internal/featurize"
	"colloquy/internal/logging"
	"colloquy/internal/logic"
	"colloquy/internal/tracker"
)

// RulePolicy matches the snapshot against the domain's declarative rules,
// compiled to Datalog and evaluated by the logic kernel. An exact match
// proposes with confidence 1.0 at the highest tier; otherwise it abstains.
type RulePolicy struct {
	name   string
	kernel *logic.Kernel
}

// NewRulePolicy compiles the domain's rules into a kernel.
func NewRulePolicy(d *domain.Domain) (*RulePolicy, error) {
	compiled, err := d.CompileRules()
	if err != nil {
		return nil, fmt.Errorf("failed to compile domain rules: %w", err)
	}
	return &RulePolicy{
		name:   "rules",
		kernel: logic.NewKernel(domain.Declarations, compiled),
	}, nil
}

// Name returns the policy's registration name.
func (p *RulePolicy) Name() string { return p.name }

// Kernel exposes the underlying kernel so callers can hot-load raw rules
// (see domain.RulesWatcher).
func (p *RulePolicy) Kernel() *logic.Kernel { return p.kernel }

// Predict asserts the snapshot as facts and queries for a derived action.
func (p *RulePolicy) Predict(ctx context.Context, features *featurize.Features, snap *tracker.Snapshot) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Abstain(p.name), err
	}

	rs, err := p.kernel.Evaluate(snapshotFacts(snap))
	if err != nil {
		return Abstain(p.name), fmt.Errorf("rule evaluation failed: %w", err)
	}

	derived := rs.Query("next_action")
	if len(derived) == 0 {
		logging.PolicyDebug("rules: no rule fired for session=%s intent=%s", snap.SessionKey, snap.LatestIntent)
		return Abstain(p.name), nil
	}

	actions := make([]string, 0, len(derived))
	for _, f := range derived {
		if s, ok := f.Args[0].(string); ok {
			actions = append(actions, s)
		}
	}
	if len(actions) == 0 {
		return Abstain(p.name), nil
	}
	// Multiple rules firing at once resolve to the lexicographically first
	// action so arbitration stays deterministic.
	sort.Strings(actions)
	if len(actions) > 1 {
		logging.Get(logging.CategoryPolicy).Warn(
			"rules: %d rules fired for session=%s, selecting %q", len(actions), snap.SessionKey, actions[0])
	}

	logging.PolicyDebug("rules: matched session=%s intent=%s -> %s",
		snap.SessionKey, snap.LatestIntent, actions[0])
	return Prediction{Policy: p.name, Action: actions[0], Confidence: 1.0, Tier: TierRule}, nil
}

// snapshotFacts translates a snapshot into the kernel's fact vocabulary.
func snapshotFacts(snap *tracker.Snapshot) []logic.Fact {
	facts := []logic.Fact{
		{Predicate: "intent", Args: []interface{}{snap.LatestIntent}},
		{Predicate: "active_loop", Args: []interface{}{snap.ActiveLoop}},
		{Predicate: "last_action", Args: []interface{}{snap.LatestAction}},
	}
	for name, value := range snap.Slots {
		facts = append(facts, logic.Fact{
			Predicate: "slot",
			Args:      []interface{}{name, fmt.Sprintf("%v", value)},
		})
	}
	return facts
}
