package domain

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"colloquy/internal/events"
	"colloquy/internal/logging"
)

// Story is one training trajectory: an alternating sequence of observed
// intents and the actions the bot took.
type Story struct {
	Name  string      `yaml:"story"`
	Steps []StoryStep `yaml:"steps"`
}

// StoryStep is one entry in a story. Exactly one field should be set per
// step; ActiveLoop is a pointer so an explicit empty string can end a loop.
type StoryStep struct {
	Intent     string                 `yaml:"intent,omitempty"`
	Action     string                 `yaml:"action,omitempty"`
	ActiveLoop *string                `yaml:"active_loop,omitempty"`
	Slots      map[string]interface{} `yaml:"slot,omitempty"`
}

type storyFile struct {
	Stories []Story `yaml:"stories"`
}

// LoadStories reads training stories from a YAML file.
func LoadStories(path string) ([]Story, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stories file: %w", err)
	}
	return ParseStories(data)
}

// ParseStories decodes story YAML.
func ParseStories(data []byte) ([]Story, error) {
	var f storyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse stories: %w", err)
	}
	for _, s := range f.Stories {
		if s.Name == "" {
			return nil, fmt.Errorf("story with empty name")
		}
	}
	logging.Domain("Loaded %d training stories", len(f.Stories))
	return f.Stories, nil
}

// Events expands the story into the event sequence it describes, starting
// from a fresh session. Used to simulate trackers for training.
func (s Story) Events() []events.Event {
	evs := []events.Event{events.NewSessionStarted()}
	for _, step := range s.Steps {
		switch {
		case step.Intent != "":
			evs = append(evs, events.NewUserUttered("", step.Intent, 1.0))
		case step.Action != "":
			evs = append(evs, events.NewActionExecuted(step.Action, "", 0))
		case step.ActiveLoop != nil:
			evs = append(evs, events.NewActiveLoopChanged(*step.ActiveLoop))
		case len(step.Slots) > 0:
			for _, name := range sortedSlotNames(step.Slots) {
				evs = append(evs, events.NewSlotSet(name, step.Slots[name]))
			}
		}
	}
	return evs
}

func sortedSlotNames(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
