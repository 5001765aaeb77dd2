package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"colloquy/internal/domain"
	"colloquy/internal/ensemble"
	"colloquy/internal/events"
	"colloquy/internal/processor"
	"colloquy/internal/tracker"
)

var sessionFlag string

// runCmd starts an interactive session on stdin. Input lines name an intent
// (optionally followed by free text); slash commands drive the session
// lifecycle directly.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an interactive conversation session",
	Long: `Reads turns from stdin. Each line is an intent name optionally followed
by the raw message text, e.g.:

  greet hello there
  book_table table for two please

Slash commands bypass intent handling:
  /slot name value   set a slot
  /pause             pause the conversation
  /resume            resume a paused conversation
  /restart           wipe conversation state
  /state             print the current snapshot
  /quit              exit`,
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVarP(&sessionFlag, "session", "s", "", "session key (random if empty)")
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	sessionKey := sessionFlag
	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}
	fmt.Printf("session %s ready (domain %s). /quit to exit.\n", sessionKey, rt.domain.Name)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}

		incoming, err := parseLine(rt, sessionKey, line)
		if err != nil {
			fmt.Println(err)
			continue
		}
		if incoming == nil {
			continue
		}

		res, err := rt.processor.Handle(ctx, sessionKey, incoming)
		if errors.Is(err, ensemble.ErrNoApplicablePolicy) {
			fmt.Println("(no policy applied)")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Printf("error: %v\n", err)
			continue
		}
		printTurn(res)
	}
	return scanner.Err()
}

// parseLine turns one input line into the event to process. A nil event with
// nil error means the line was handled locally.
func parseLine(rt *runtime, sessionKey, line string) (events.Event, error) {
	if !strings.HasPrefix(line, "/") {
		intent, text, _ := strings.Cut(line, " ")
		if text == "" {
			text = intent
		}
		return events.NewUserUttered(text, intent, 1.0), nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/slot":
		if len(fields) < 3 {
			return nil, fmt.Errorf("usage: /slot name value")
		}
		return events.NewSlotSet(fields[1], strings.Join(fields[2:], " ")), nil
	case "/pause":
		return events.NewConversationPaused(), nil
	case "/resume":
		return events.NewConversationResumed(), nil
	case "/restart":
		return events.NewRestarted(), nil
	case "/state":
		printState(rt, sessionKey)
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown command %s", fields[0])
	}
}

func printTurn(res *processor.TurnResult) {
	for _, e := range res.Events {
		if bot, ok := e.(*events.BotUttered); ok {
			fmt.Printf("bot: %s\n", bot.Text)
		}
	}
	if res.Decision != nil {
		fmt.Printf("  [%s -> %s (%.2f, %s)]\n",
			res.Decision.Policy, res.Decision.Action, res.Decision.Confidence, res.Decision.Tier)
	}
}

func printState(rt *runtime, sessionKey string) {
	log, err := rt.store.Load(context.Background(), sessionKey)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	snap, err := tracker.Replay(log, log.Version())
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("events=%d intent=%q action=%q loop=%q paused=%v\n",
		log.Version(), snap.LatestIntent, snap.LatestAction, snap.ActiveLoop, snap.Paused)
	for name, value := range snap.Slots {
		fmt.Printf("  slot %s = %v\n", name, value)
	}
}

// domainExecutor gives actions observable behavior without an external
// action server: utter_ actions speak, form actions drive their slot-filling
// loop, everything else is acknowledged.
type domainExecutor struct {
	d *domain.Domain
}

func newDomainExecutor(d *domain.Domain) processor.ActionExecutor {
	return &domainExecutor{d: d}
}

func (e *domainExecutor) Execute(ctx context.Context, action string, snap *tracker.Snapshot) ([]events.Event, error) {
	if form := e.d.FormByName(action); form != nil {
		return e.runForm(form, snap), nil
	}
	if text, ok := strings.CutPrefix(action, "utter_"); ok {
		return []events.Event{events.NewBotUttered(strings.ReplaceAll(text, "_", " "))}, nil
	}
	return []events.Event{events.NewBotUttered(fmt.Sprintf("(%s)", action))}, nil
}

// runForm activates the loop if needed, asks for the next missing required
// slot, and deactivates once every slot is filled.
func (e *domainExecutor) runForm(form *domain.Form, snap *tracker.Snapshot) []events.Event {
	var out []events.Event
	if snap.ActiveLoop != form.Name {
		out = append(out, events.NewActiveLoopChanged(form.Name))
	}
	for _, slot := range form.RequiredSlots {
		if snap.SlotValue(slot) == nil {
			return append(out, events.NewBotUttered(fmt.Sprintf("What %s would you like?", slot)))
		}
	}
	out = append(out, events.NewActiveLoopChanged(""))
	return append(out, events.NewBotUttered(fmt.Sprintf("%s complete", form.Name)))
}
