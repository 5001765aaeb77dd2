package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"colloquy/internal/ensemble"
	"colloquy/internal/events"
	"colloquy/internal/tracker"
)

var auditFlag bool

// replayCmd re-folds a recorded event log. With --audit it also re-runs the
// ensemble at every user turn and reports where today's policies disagree
// with the recorded actions, which is how rule changes are vetted against
// real conversations.
var replayCmd = &cobra.Command{
	Use:   "replay [events.jsonl]",
	Short: "Re-fold a recorded event log and audit policy decisions",
	Long: `Reads one JSON-encoded event per line and folds them into a snapshot.
The fold is pure, so replaying a log always reproduces the exact state the
live conversation had.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&auditFlag, "audit", false, "re-run the ensemble at each user turn")
}

func runReplay(cmd *cobra.Command, args []string) error {
	evs, err := readEventLog(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("loaded %d events\n", len(evs))

	snap := tracker.ReplayEvents("replay", evs)

	// The same fold must reproduce the same snapshot.
	if diff := cmp.Diff(snap, tracker.ReplayEvents("replay", evs)); diff != "" {
		return fmt.Errorf("replay was not deterministic:\n%s", diff)
	}

	fmt.Printf("final state: intent=%q action=%q loop=%q slots=%d paused=%v\n",
		snap.LatestIntent, snap.LatestAction, snap.ActiveLoop, len(snap.Slots), snap.Paused)

	if !auditFlag {
		return nil
	}
	return auditDecisions(cmd.Context(), evs)
}

// auditDecisions replays the conversation turn by turn, asking the current
// ensemble what it would do after each user message and comparing that with
// the action that actually followed.
func auditDecisions(ctx context.Context, evs []events.Event) error {
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	mismatches := 0
	for i, e := range evs {
		if _, ok := e.(*events.UserUttered); !ok {
			continue
		}
		recorded := nextAction(evs[i+1:])
		if recorded == "" {
			continue
		}

		prefix := evs[:i+1]
		snap := tracker.ReplayEvents("audit", prefix)
		features, err := rt.featurizer.Featurize(snap, prefix)
		if err != nil {
			return err
		}
		decision, err := rt.ensemble.Decide(ctx, features, snap)
		if errors.Is(err, ensemble.ErrNoApplicablePolicy) {
			fmt.Printf("turn %d: no policy applies (recorded %s)\n", i, recorded)
			mismatches++
			continue
		}
		if err != nil {
			return err
		}
		if decision.Action != recorded {
			fmt.Printf("turn %d: %s would pick %s, log has %s\n",
				i, decision.Policy, decision.Action, recorded)
			mismatches++
		}
	}
	if mismatches == 0 {
		fmt.Println("audit clean: every recorded action matches")
	} else {
		fmt.Printf("audit found %d divergence(s)\n", mismatches)
	}
	return nil
}

func nextAction(tail []events.Event) string {
	for _, e := range tail {
		if a, ok := e.(*events.ActionExecuted); ok {
			return a.Action
		}
	}
	return ""
}

func readEventLog(path string) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var evs []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		e, err := events.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		evs = append(evs, e)
	}
	return evs, scanner.Err()
}
