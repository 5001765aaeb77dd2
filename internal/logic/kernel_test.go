package logic

import (
	"testing"
)

const testDecls = `
Decl intent(Name).
Decl slot(Name, Value).
Decl active_loop(Name).
Decl last_action(Name).
Decl next_action(Name).
`

func TestKernelEvaluateDerivesAction(t *testing.T) {
	k := NewKernel(testDecls, `next_action("action_greet") :- intent("greet").`)

	rs, err := k.Evaluate([]Fact{
		{Predicate: "intent", Args: []interface{}{"greet"}},
		{Predicate: "active_loop", Args: []interface{}{""}},
		{Predicate: "last_action", Args: []interface{}{"action_listen"}},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	results := rs.Query("next_action")
	if len(results) != 1 {
		t.Fatalf("expected 1 next_action, got %d", len(results))
	}
	if results[0].Args[0] != "action_greet" {
		t.Errorf("expected action_greet, got %v", results[0].Args[0])
	}
}

func TestKernelEvaluateNoMatch(t *testing.T) {
	k := NewKernel(testDecls, `next_action("action_greet") :- intent("greet").`)

	rs, err := k.Evaluate([]Fact{
		{Predicate: "intent", Args: []interface{}{"goodbye"}},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if results := rs.Query("next_action"); len(results) != 0 {
		t.Errorf("expected no derivation, got %v", results)
	}
}

func TestKernelSlotConditions(t *testing.T) {
	k := NewKernel(testDecls,
		`next_action("action_book") :- intent("confirm"), slot("cuisine", "thai").`)

	rs, err := k.Evaluate([]Fact{
		{Predicate: "intent", Args: []interface{}{"confirm"}},
		{Predicate: "slot", Args: []interface{}{"cuisine", "thai"}},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if results := rs.Query("next_action"); len(results) != 1 {
		t.Fatalf("expected 1 next_action, got %d", len(results))
	}

	// Same rule, wrong slot value: must not fire.
	rs, err = k.Evaluate([]Fact{
		{Predicate: "intent", Args: []interface{}{"confirm"}},
		{Predicate: "slot", Args: []interface{}{"cuisine", "sushi"}},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if results := rs.Query("next_action"); len(results) != 0 {
		t.Errorf("expected no derivation for wrong slot value, got %v", results)
	}
}

func TestKernelSetExtraRejectsInvalidRules(t *testing.T) {
	k := NewKernel(testDecls, `next_action("action_greet") :- intent("greet").`)

	if err := k.SetExtra(`next_action( :- broken`); err == nil {
		t.Fatal("expected invalid extra rules to be rejected")
	}

	// The cached program must survive the rejected update.
	rs, err := k.Evaluate([]Fact{{Predicate: "intent", Args: []interface{}{"greet"}}})
	if err != nil {
		t.Fatalf("Evaluate failed after rejected update: %v", err)
	}
	if results := rs.Query("next_action"); len(results) != 1 {
		t.Errorf("expected original rule still active, got %d results", len(results))
	}
}

func TestKernelSetExtraAppendsRules(t *testing.T) {
	k := NewKernel(testDecls, `next_action("action_greet") :- intent("greet").`)

	err := k.SetExtra(`next_action("action_goodbye") :- intent("goodbye").`)
	if err != nil {
		t.Fatalf("SetExtra failed: %v", err)
	}

	rs, err := k.Evaluate([]Fact{{Predicate: "intent", Args: []interface{}{"goodbye"}}})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	results := rs.Query("next_action")
	if len(results) != 1 || results[0].Args[0] != "action_goodbye" {
		t.Errorf("expected action_goodbye from extra rules, got %v", results)
	}
}

func TestFactStringForms(t *testing.T) {
	f := Fact{Predicate: "slot", Args: []interface{}{"cuisine", "thai"}}
	if got := f.String(); got != `slot("cuisine", "thai").` {
		t.Errorf("unexpected fact string: %s", got)
	}
	f = Fact{Predicate: "flag", Args: []interface{}{true, 3}}
	if got := f.String(); got != `flag(/true, 3).` {
		t.Errorf("unexpected fact string: %s", got)
	}
}
