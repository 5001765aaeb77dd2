// Package logic wraps the google/mangle Datalog engine behind a small kernel
// used by the rule policy. Rules and declarations are compiled once and
// cached; each evaluation runs against a fresh fact store so that predictions
// stay pure functions of their inputs.
package logic

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"colloquy/internal/logging"
)

// derivedFactLimit caps fixpoint evaluation so a pathological rule set cannot
// explode the fact store.
const derivedFactLimit = 100000

// Fact is a single logical atom asserted to or derived by the kernel.
type Fact struct {
	Predicate string
	Args      []interface{}
}

// String returns the Datalog source form of the fact.
func (f Fact) String() string {
	args := make([]string, 0, len(f.Args))
	for _, arg := range f.Args {
		switch v := arg.(type) {
		case string:
			if strings.HasPrefix(v, "/") && !strings.ContainsAny(v, " \t\n") {
				args = append(args, v)
			} else {
				args = append(args, fmt.Sprintf("%q", v))
			}
		case int:
			args = append(args, fmt.Sprintf("%d", v))
		case int64:
			args = append(args, fmt.Sprintf("%d", v))
		case float64:
			args = append(args, fmt.Sprintf("%f", v))
		case bool:
			if v {
				args = append(args, "/true")
			} else {
				args = append(args, "/false")
			}
		default:
			args = append(args, fmt.Sprintf("%v", v))
		}
	}
	return fmt.Sprintf("%s(%s).", f.Predicate, strings.Join(args, ", "))
}

// Atom converts the fact to a Mangle AST atom for store insertion.
func (f Fact) Atom() (ast.Atom, error) {
	terms := make([]ast.BaseTerm, 0, len(f.Args))
	for _, arg := range f.Args {
		switch v := arg.(type) {
		case string:
			if strings.HasPrefix(v, "/") && !strings.ContainsAny(v, " \t\n") {
				c, err := ast.Name(v)
				if err != nil {
					return ast.Atom{}, err
				}
				terms = append(terms, c)
			} else {
				terms = append(terms, ast.String(v))
			}
		case int:
			terms = append(terms, ast.Number(int64(v)))
		case int64:
			terms = append(terms, ast.Number(v))
		case float64:
			terms = append(terms, ast.Float64(v))
		case bool:
			if v {
				terms = append(terms, ast.TrueConstant)
			} else {
				terms = append(terms, ast.FalseConstant)
			}
		default:
			terms = append(terms, ast.String(fmt.Sprintf("%v", v)))
		}
	}
	return ast.NewAtom(f.Predicate, terms...), nil
}

func atomToFact(a ast.Atom) Fact {
	args := make([]interface{}, len(a.Args))
	for i, term := range a.Args {
		args[i] = baseTermToValue(term)
	}
	return Fact{Predicate: a.Predicate.Symbol, Args: args}
}

func baseTermToValue(term ast.BaseTerm) interface{} {
	switch t := term.(type) {
	case ast.Constant:
		switch t.Type {
		case ast.NameType, ast.StringType, ast.BytesType:
			return t.Symbol
		case ast.NumberType:
			return t.NumValue
		case ast.Float64Type:
			return t.Float64Value
		default:
			return t.Symbol
		}
	case ast.Variable:
		return fmt.Sprintf("?%s", t.Symbol)
	default:
		return fmt.Sprintf("%v", term)
	}
}

// Kernel holds a compiled Datalog program: fixed declarations, compiled
// domain rules, and optional hot-loaded raw rules. Program analysis is cached
// and rebuilt only when the rule text changes.
type Kernel struct {
	mu          sync.RWMutex
	decls       string
	rules       string
	extra       string
	dirty       bool
	programInfo *analysis.ProgramInfo
}

// NewKernel creates a kernel from predicate declarations and rule text.
func NewKernel(decls, rules string) *Kernel {
	return &Kernel{decls: decls, rules: rules, dirty: true}
}

// SetRules replaces the compiled rule text.
func (k *Kernel) SetRules(rules string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rules = rules
	k.dirty = true
	logging.DomainDebug("Kernel rules replaced (%d bytes)", len(rules))
}

// SetExtra replaces the hot-loaded raw rule text (e.g. from a watched file).
// Invalid rules are rejected before they can poison the cached program.
func (k *Kernel) SetExtra(rules string) error {
	if err := k.validate(rules); err != nil {
		return fmt.Errorf("extra rules rejected: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.extra = rules
	k.dirty = true
	logging.Domain("Kernel extra rules loaded (%d bytes)", len(rules))
	return nil
}

// validate compiles the program with the candidate rules in a sandbox,
// leaving the cached program untouched.
func (k *Kernel) validate(candidate string) error {
	k.mu.RLock()
	program := k.assembleLocked(candidate)
	k.mu.RUnlock()
	_, err := compile(program)
	return err
}

func (k *Kernel) assembleLocked(extra string) string {
	var sb strings.Builder
	if k.decls != "" {
		sb.WriteString(k.decls)
		sb.WriteString("\n")
	}
	if k.rules != "" {
		sb.WriteString(k.rules)
		sb.WriteString("\n")
	}
	if extra != "" {
		sb.WriteString(extra)
		sb.WriteString("\n")
	}
	return sb.String()
}

func compile(program string) (*analysis.ProgramInfo, error) {
	parsed, err := parse.Unit(strings.NewReader(program))
	if err != nil {
		return nil, fmt.Errorf("failed to parse program: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze program: %w", err)
	}
	return info, nil
}

func (k *Kernel) program() (*analysis.ProgramInfo, error) {
	k.mu.RLock()
	if !k.dirty && k.programInfo != nil {
		info := k.programInfo
		k.mu.RUnlock()
		return info, nil
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.dirty && k.programInfo != nil {
		return k.programInfo, nil
	}

	timer := logging.StartTimer(logging.CategoryPolicy, "kernel.compile")
	info, err := compile(k.assembleLocked(k.extra))
	timer.Stop()
	if err != nil {
		return nil, err
	}
	k.programInfo = info
	k.dirty = false
	logging.PolicyDebug("Kernel program compiled: %d predicates declared", len(info.Decls))
	return info, nil
}

// Evaluate asserts the given facts into a fresh store and runs fixpoint
// evaluation. The returned result set is independent of the kernel and safe
// for concurrent use.
func (k *Kernel) Evaluate(facts []Fact) (*ResultSet, error) {
	info, err := k.program()
	if err != nil {
		return nil, err
	}

	store := factstore.NewSimpleInMemoryStore()
	for _, f := range facts {
		atom, err := f.Atom()
		if err != nil {
			return nil, fmt.Errorf("failed to convert fact %v: %w", f, err)
		}
		store.Add(atom)
	}

	timer := logging.StartTimer(logging.CategoryPolicy, "kernel.evaluate")
	_, err = engine.EvalProgramWithStats(info, store,
		engine.WithCreatedFactLimit(derivedFactLimit))
	timer.Stop()
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate program: %w", err)
	}

	return &ResultSet{store: store, info: info}, nil
}

// ResultSet is the derived fact store from one evaluation.
type ResultSet struct {
	store factstore.FactStore
	info  *analysis.ProgramInfo
}

// Query returns all derived facts for the named predicate.
func (r *ResultSet) Query(predicate string) []Fact {
	var results []Fact
	for pred := range r.info.Decls {
		if pred.Symbol != predicate {
			continue
		}
		r.store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
			results = append(results, atomToFact(a))
			return nil
		})
	}
	return results
}
