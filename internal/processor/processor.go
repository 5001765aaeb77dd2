// Package processor drives one conversation turn end to end: lock the
// session, append the incoming event, project state, arbitrate an action,
// execute it, and persist the grown log.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"colloquy/internal/ensemble"
	"colloquy/internal/events"
	"colloquy/internal/featurize"
	"colloquy/internal/lock"
	"colloquy/internal/logging"
	"colloquy/internal/policy"
	"colloquy/internal/store"
	"colloquy/internal/telemetry"
	"colloquy/internal/tracker"
)

// DefaultMaxRetries bounds how many times a turn re-runs after an optimistic
// save conflict before giving up.
const DefaultMaxRetries = 3

// followupPolicyName labels decisions forced by a pending followup action
// rather than arbitrated by the ensemble.
const followupPolicyName = "followup"

// ActionExecutor runs the decided action and returns the events it caused
// (bot utterances, slot sets, loop changes). Implementations must not touch
// the log; the processor owns all appends.
type ActionExecutor interface {
	Execute(ctx context.Context, action string, snap *tracker.Snapshot) ([]events.Event, error)
}

// ExecutorFunc adapts a function to the ActionExecutor interface.
type ExecutorFunc func(ctx context.Context, action string, snap *tracker.Snapshot) ([]events.Event, error)

func (f ExecutorFunc) Execute(ctx context.Context, action string, snap *tracker.Snapshot) ([]events.Event, error) {
	return f(ctx, action, snap)
}

// TurnResult reports what one Handle call did.
type TurnResult struct {
	SessionKey string
	// Decision is nil when the turn recorded events without predicting
	// (paused conversations, non-user events).
	Decision *ensemble.Decision
	// Events holds everything appended this turn, the incoming event
	// included.
	Events   []events.Event
	Snapshot *tracker.Snapshot
}

// Config wires a Processor. Store, Locks, Ensemble and Featurizer are
// required; Executor and Metrics are optional.
type Config struct {
	Store      store.TrackerStore
	Locks      lock.LockStore
	Ensemble   *ensemble.Ensemble
	Featurizer featurize.Featurizer
	Executor   ActionExecutor
	Metrics    *telemetry.Metrics
	MaxRetries int
}

// Processor serializes and processes turns for any number of sessions.
type Processor struct {
	store      store.TrackerStore
	locks      lock.LockStore
	ensemble   *ensemble.Ensemble
	featurizer featurize.Featurizer
	executor   ActionExecutor
	metrics    *telemetry.Metrics
	projector  *tracker.Projector
	maxRetries int
}

// New validates the wiring and builds a Processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("processor requires a tracker store")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("processor requires a lock store")
	}
	if cfg.Ensemble == nil {
		return nil, fmt.Errorf("processor requires an ensemble")
	}
	if cfg.Featurizer == nil {
		return nil, fmt.Errorf("processor requires a featurizer")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Processor{
		store:      cfg.Store,
		locks:      cfg.Locks,
		ensemble:   cfg.Ensemble,
		featurizer: cfg.Featurizer,
		executor:   cfg.Executor,
		metrics:    cfg.Metrics,
		projector:  tracker.NewProjector(),
		maxRetries: cfg.MaxRetries,
	}, nil
}

// Handle processes one incoming event for a session under its lock.
func (p *Processor) Handle(ctx context.Context, sessionKey string, incoming events.Event) (*TurnResult, error) {
	if incoming == nil {
		return nil, fmt.Errorf("nil incoming event")
	}
	timer := logging.StartTimer(logging.CategoryProcessor, "Handle")
	defer timer.Stop()
	start := time.Now()

	ticket, err := p.locks.Acquire(ctx, sessionKey)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) && p.metrics != nil {
			p.metrics.RecordLockTimeout()
		}
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.ObserveLockWait(time.Since(start).Seconds())
	}
	defer func() {
		if err := p.locks.Release(ticket); err != nil {
			logging.Get(logging.CategoryProcessor).Error(
				"failed to release lock for session=%s: %v", sessionKey, err)
		}
	}()

	var result *TurnResult
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		result, err = p.runTurn(ctx, sessionKey, incoming)
		if errors.Is(err, tracker.ErrConcurrentModification) {
			logging.Processor("save conflict for session=%s, retrying (attempt %d)",
				sessionKey, attempt+1)
			if p.metrics != nil {
				p.metrics.RecordSaveConflict()
			}
			p.projector.Invalidate(sessionKey)
			continue
		}
		break
	}

	if p.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.metrics.ObserveTurn(status, time.Since(start).Seconds())
	}
	return result, err
}

// runTurn is one optimistic attempt: everything from load to save.
func (p *Processor) runTurn(ctx context.Context, sessionKey string, incoming events.Event) (*TurnResult, error) {
	log, err := p.store.Load(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionKey, err)
	}

	appended := []events.Event{incoming}
	if err := log.Append(log.Version(), incoming); err != nil {
		return nil, err
	}
	snap, err := p.projector.Project(log)
	if err != nil {
		return nil, fmt.Errorf("failed to project session %s: %w", sessionKey, err)
	}

	if !p.shouldPredict(snap, incoming) {
		if err := p.store.Save(ctx, log); err != nil {
			return nil, err
		}
		logging.ProcessorDebug("session=%s: recorded %s without predicting",
			sessionKey, incoming.Type())
		return &TurnResult{SessionKey: sessionKey, Events: appended, Snapshot: snap}, nil
	}

	decision, err := p.decide(ctx, log, snap)
	if err != nil {
		// Persist the incoming event even when no policy applies, so the
		// conversation history stays complete.
		if saveErr := p.store.Save(ctx, log); saveErr != nil {
			return nil, saveErr
		}
		return nil, err
	}

	var sideEffects []events.Event
	if p.executor != nil && decision.Action != policy.DefaultListenAction {
		sideEffects, err = p.executor.Execute(ctx, decision.Action, snap)
		if err != nil {
			return nil, fmt.Errorf("action %s failed: %w", decision.Action, err)
		}
	}

	executed := events.NewActionExecuted(decision.Action, decision.Policy, decision.Confidence)
	turnEvents := append([]events.Event{executed}, sideEffects...)
	if err := log.Append(log.Version(), turnEvents...); err != nil {
		return nil, err
	}
	appended = append(appended, turnEvents...)

	snap, err = p.projector.Project(log)
	if err != nil {
		return nil, fmt.Errorf("failed to project session %s: %w", sessionKey, err)
	}

	if err := p.store.Save(ctx, log); err != nil {
		return nil, err
	}

	p.recordDecision(decision)
	logging.Processor("session=%s: %s decided %s (%.3f)",
		sessionKey, decision.Policy, decision.Action, decision.Confidence)
	return &TurnResult{
		SessionKey: sessionKey,
		Decision:   decision,
		Events:     appended,
		Snapshot:   snap,
	}, nil
}

// shouldPredict reports whether this turn ends in an action prediction.
// Paused conversations and bookkeeping events are recorded silently; user
// messages and pending followups trigger the ensemble.
func (p *Processor) shouldPredict(snap *tracker.Snapshot, incoming events.Event) bool {
	if snap.Paused {
		return false
	}
	if snap.Followup != "" {
		return true
	}
	_, isUser := incoming.(*events.UserUttered)
	return isUser
}

// decide arbitrates the next action, short-circuiting when a followup is
// pending.
func (p *Processor) decide(ctx context.Context, log *tracker.Log, snap *tracker.Snapshot) (*ensemble.Decision, error) {
	if snap.Followup != "" {
		logging.ProcessorDebug("session=%s: forced followup %s", snap.SessionKey, snap.Followup)
		return &ensemble.Decision{
			Action:     snap.Followup,
			Policy:     followupPolicyName,
			Confidence: 1.0,
			Tier:       policy.TierRule,
		}, nil
	}

	features, err := p.featurizer.Featurize(snap, log.Events())
	if err != nil {
		return nil, fmt.Errorf("featurization failed: %w", err)
	}
	return p.ensemble.Decide(ctx, features, snap)
}

func (p *Processor) recordDecision(d *ensemble.Decision) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordDecision(d.Policy, d.Action)
	for _, o := range d.Outcomes {
		switch {
		case o.Err != nil:
			p.metrics.RecordPolicyOutcome(o.Policy, "failed")
		case o.Prediction.Abstained():
			p.metrics.RecordPolicyOutcome(o.Policy, "abstained")
		default:
			p.metrics.RecordPolicyOutcome(o.Policy, "predicted")
		}
	}
}
