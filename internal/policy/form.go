package policy

import (
	"context"

	"colloquy/internal/domain"
	"colloquy/internal/featurize"
	"colloquy/internal/logging"
	"colloquy/internal/tracker"
)

// FormPolicy keeps an active slot-filling flow in control of the
// conversation. While a form is active it proposes the form's own action
// after each user turn (and a listen once the form has run), at a tier above
// every learned policy, so slot-filling flows cannot be silently hijacked by
// a confident learned prediction. With no active loop it abstains.
type FormPolicy struct {
	name  string
	forms map[string]domain.Form
}

// NewFormPolicy indexes the domain's forms.
func NewFormPolicy(d *domain.Domain) *FormPolicy {
	forms := make(map[string]domain.Form, len(d.Forms))
	for _, f := range d.Forms {
		forms[f.Name] = f
	}
	return &FormPolicy{name: "form", forms: forms}
}

// Name returns the policy's registration name.
func (p *FormPolicy) Name() string { return p.name }

// Predict proposes the active form's action, or a listen after the form ran.
func (p *FormPolicy) Predict(ctx context.Context, features *featurize.Features, snap *tracker.Snapshot) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Abstain(p.name), err
	}
	if !snap.HasActiveLoop() {
		return Abstain(p.name), nil
	}
	if _, known := p.forms[snap.ActiveLoop]; !known {
		logging.Get(logging.CategoryPolicy).Warn(
			"form: active loop %q not declared in domain, abstaining", snap.ActiveLoop)
		return Abstain(p.name), nil
	}

	// The user just spoke: the form consumes the turn. After the form has
	// executed, hand the floor back and wait for input.
	if snap.TurnsSinceUser == 0 {
		logging.PolicyDebug("form: %s active for session=%s, proposing form action",
			snap.ActiveLoop, snap.SessionKey)
		return Prediction{Policy: p.name, Action: snap.ActiveLoop, Confidence: 1.0, Tier: TierForm}, nil
	}
	if snap.LatestAction == snap.ActiveLoop {
		return Prediction{Policy: p.name, Action: DefaultListenAction, Confidence: 1.0, Tier: TierForm}, nil
	}
	return Abstain(p.name), nil
}
