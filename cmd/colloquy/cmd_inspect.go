package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"colloquy/internal/events"
	"colloquy/internal/tracker"
)

var dumpEvents bool

// inspectCmd examines persisted trackers without processing anything.
var inspectCmd = &cobra.Command{
	Use:   "inspect [session-key]",
	Short: "List stored sessions or dump one session's state",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&dumpEvents, "events", false, "print every stored event")
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if len(args) == 0 {
		keys, err := rt.store.Sessions(ctx)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("no stored sessions")
			return nil
		}
		for _, k := range keys {
			log, err := rt.store.Load(ctx, k)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%d events\n", k, log.Version())
		}
		return nil
	}

	key := args[0]
	log, err := rt.store.Load(ctx, key)
	if err != nil {
		return err
	}
	if log.Version() == 0 {
		return fmt.Errorf("no events stored for session %s", key)
	}

	snap, err := tracker.Replay(log, log.Version())
	if err != nil {
		return err
	}
	fmt.Printf("session %s: %d events\n", key, log.Version())
	fmt.Printf("  intent=%q action=%q loop=%q paused=%v followup=%q\n",
		snap.LatestIntent, snap.LatestAction, snap.ActiveLoop, snap.Paused, snap.Followup)
	for name, value := range snap.Slots {
		fmt.Printf("  slot %s = %v\n", name, value)
	}

	if dumpEvents {
		for i, e := range log.Events() {
			payload, err := events.Marshal(e)
			if err != nil {
				return err
			}
			fmt.Printf("%4d  %s\n", i, payload)
		}
	}
	return nil
}
