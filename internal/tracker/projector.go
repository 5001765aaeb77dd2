package tracker

import (
	"fmt"
	"sync"

	"colloquy/internal/events"
	"colloquy/internal/logging"
)

// Projector folds event logs into snapshots with an incremental cache keyed
// by session and log version. Conversations can run for thousands of turns,
// so only events newer than the cached version are applied per call; a full
// refold happens only when the cache is missing or ahead of the log.
type Projector struct {
	mu    sync.Mutex
	cache map[string]*Snapshot
}

// NewProjector creates a projector with an empty fold cache.
func NewProjector() *Projector {
	return &Projector{cache: make(map[string]*Snapshot)}
}

// Project returns the snapshot at the log's current version.
func (p *Projector) Project(log *Log) (*Snapshot, error) {
	if log == nil {
		return nil, fmt.Errorf("cannot project nil log")
	}
	timer := logging.StartTimer(logging.CategoryTracker, "Project")
	defer timer.Stop()

	evs := log.Events()
	key := log.SessionKey()

	p.mu.Lock()
	cached := p.cache[key]
	p.mu.Unlock()

	var snap *Snapshot
	if cached != nil && cached.Version <= len(evs) {
		snap = cached.Clone()
		logging.TrackerDebug("Project session=%s: incremental fold from version %d to %d",
			key, cached.Version, len(evs))
	} else {
		snap = newSnapshot(key)
		if cached != nil {
			// Cache is ahead of the log (log was replaced); refold from scratch.
			logging.TrackerDebug("Project session=%s: cache at %d ahead of log %d, refolding",
				key, cached.Version, len(evs))
		}
	}

	for _, e := range evs[snap.Version:] {
		snap.apply(e)
	}

	p.mu.Lock()
	p.cache[key] = snap.Clone()
	p.mu.Unlock()

	return snap, nil
}

// Invalidate drops the cached fold for a session.
func (p *Projector) Invalidate(sessionKey string) {
	p.mu.Lock()
	delete(p.cache, sessionKey)
	p.mu.Unlock()
}

// Replay folds a log prefix from scratch, bypassing the cache. upto < 0 means
// the full log. Used for audits and determinism checks.
func Replay(log *Log, upto int) (*Snapshot, error) {
	if log == nil {
		return nil, fmt.Errorf("cannot replay nil log")
	}
	evs := log.Events()
	if upto < 0 || upto > len(evs) {
		upto = len(evs)
	}
	snap := newSnapshot(log.SessionKey())
	for _, e := range evs[:upto] {
		snap.apply(e)
	}
	return snap, nil
}

// ReplayEvents folds a bare event sequence into a snapshot. Used to derive
// state from training trajectories that never lived in a real log.
func ReplayEvents(sessionKey string, evs []events.Event) *Snapshot {
	snap := newSnapshot(sessionKey)
	for _, e := range evs {
		snap.apply(e)
	}
	return snap
}
