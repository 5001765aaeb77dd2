// Package domain loads the declarative description of a bot: its actions,
// intents, slots, forms, condition->action rules and training stories. Rules
// are compiled to Datalog for the rule policy's kernel; stories feed the
// memoization policy and offline scorers.
package domain

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"colloquy/internal/logging"
)

// Declarations is the fixed predicate vocabulary the rule kernel exposes.
// Snapshot facts are asserted with these predicates; rules derive next_action.
const Declarations = `
Decl intent(Name).
Decl slot(Name, Value).
Decl active_loop(Name).
Decl last_action(Name).
Decl next_action(Name).
`

// Domain is the bot's declarative description.
type Domain struct {
	Name    string     `yaml:"name"`
	Intents []string   `yaml:"intents"`
	Actions []string   `yaml:"actions"`
	Slots   []SlotSpec `yaml:"slots"`
	Forms   []Form     `yaml:"forms"`
	Rules   []Rule     `yaml:"rules"`

	Fallback FallbackSpec `yaml:"fallback"`
}

// SlotSpec declares one named piece of conversation memory.
type SlotSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Form describes a multi-turn slot-filling flow. The form's name doubles as
// the action the form policy proposes while the loop is active.
type Form struct {
	Name          string   `yaml:"name"`
	RequiredSlots []string `yaml:"required_slots"`
}

// FallbackSpec configures the safety-net action and the confidence floor
// below which learned predictions lose to it.
type FallbackSpec struct {
	Action    string  `yaml:"action"`
	Threshold float64 `yaml:"threshold"`
}

// Rule is one declarative condition -> action mapping.
type Rule struct {
	Name string    `yaml:"rule"`
	When Condition `yaml:"when"`
	Then string    `yaml:"then"`
}

// Condition matches against the projected snapshot. Zero-valued fields are
// wildcards; ActiveLoop "none" matches only when no form is active.
type Condition struct {
	Intent     string            `yaml:"intent"`
	ActiveLoop string            `yaml:"active_loop"`
	Slots      map[string]string `yaml:"slots"`
	LastAction string            `yaml:"last_action"`
}

// Load reads and validates a domain file.
func Load(path string) (*Domain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates domain YAML.
func Parse(data []byte) (*Domain, error) {
	var d Domain
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse domain: %w", err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	logging.Domain("Domain %q loaded: %d intents, %d actions, %d forms, %d rules",
		d.Name, len(d.Intents), len(d.Actions), len(d.Forms), len(d.Rules))
	return &d, nil
}

func (d *Domain) validate() error {
	actions := make(map[string]bool, len(d.Actions))
	for _, a := range d.Actions {
		actions[a] = true
	}
	for _, f := range d.Forms {
		if f.Name == "" {
			return fmt.Errorf("form with empty name")
		}
		// Form names are implicit actions.
		actions[f.Name] = true
	}
	for _, r := range d.Rules {
		if r.Then == "" {
			return fmt.Errorf("rule %q has no action", r.Name)
		}
		if len(actions) > 0 && !actions[r.Then] {
			return fmt.Errorf("rule %q targets unknown action %q", r.Name, r.Then)
		}
	}
	if d.Fallback.Action != "" && len(actions) > 0 && !actions[d.Fallback.Action] {
		return fmt.Errorf("fallback targets unknown action %q", d.Fallback.Action)
	}
	if d.Fallback.Threshold < 0 || d.Fallback.Threshold > 1 {
		return fmt.Errorf("fallback threshold %v outside [0,1]", d.Fallback.Threshold)
	}
	return nil
}

// FormByName returns the named form, or nil.
func (d *Domain) FormByName(name string) *Form {
	for i := range d.Forms {
		if d.Forms[i].Name == name {
			return &d.Forms[i]
		}
	}
	return nil
}

// CompileRules translates the declarative rules into Datalog clauses for the
// rule kernel. Each rule becomes one next_action clause whose body asserts
// every condition field that was set.
func (d *Domain) CompileRules() (string, error) {
	var sb strings.Builder
	for _, r := range d.Rules {
		clause, err := compileRule(r)
		if err != nil {
			return "", err
		}
		sb.WriteString(clause)
		sb.WriteString("\n")
	}
	compiled := sb.String()
	logging.DomainDebug("Compiled %d rules to %d bytes of Datalog", len(d.Rules), len(compiled))
	return compiled, nil
}

func compileRule(r Rule) (string, error) {
	var body []string
	if r.When.Intent != "" {
		body = append(body, fmt.Sprintf("intent(%s)", strconv.Quote(r.When.Intent)))
	}
	switch r.When.ActiveLoop {
	case "":
		// Wildcard: rule applies regardless of any active form.
	case "none":
		body = append(body, `active_loop("")`)
	default:
		body = append(body, fmt.Sprintf("active_loop(%s)", strconv.Quote(r.When.ActiveLoop)))
	}
	if r.When.LastAction != "" {
		body = append(body, fmt.Sprintf("last_action(%s)", strconv.Quote(r.When.LastAction)))
	}
	for _, name := range sortedKeys(r.When.Slots) {
		body = append(body, fmt.Sprintf("slot(%s, %s)",
			strconv.Quote(name), strconv.Quote(r.When.Slots[name])))
	}
	if len(body) == 0 {
		return "", fmt.Errorf("rule %q has no conditions", r.Name)
	}
	return fmt.Sprintf("next_action(%s) :- %s.",
		strconv.Quote(r.Then), strings.Join(body, ", ")), nil
}

// sortedKeys keeps compiled clause text deterministic across runs.
func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
