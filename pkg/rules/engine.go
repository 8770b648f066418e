package rules

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/perception"
)

// ActionValidator rejects action tokens the dispatcher cannot execute.
type ActionValidator func(token string) error

// Option configures an Engine.
type Option func(*Engine)

// WithStrict makes AddRule and Load fail on duplicate names instead of replacing.
func WithStrict(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}

// WithActionValidator checks every action of every rule at registration.
func WithActionValidator(v ActionValidator) Option {
	return func(e *Engine) { e.validate = v }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine holds the rule table. Evaluate takes a read lock for the whole scan,
// so a concurrent mutation is observed either entirely or not at all.
type Engine struct {
	mu     sync.RWMutex
	sorted []*compiled
	byName map[string]*compiled
	seq    uint64

	strict   bool
	validate ActionValidator
	logger   *slog.Logger
}

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{byName: make(map[string]*compiled)}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = log.Or(e.logger).With("component", "rules")
	return e
}

// NewWithDefaults creates an engine loaded with Defaults().
func NewWithDefaults(opts ...Option) (*Engine, error) {
	e := New(opts...)
	if err := e.Load(Defaults()); err != nil {
		return nil, err
	}
	return e, nil
}

// Name identifies the provider in logs and errors.
func (e *Engine) Name() string { return decision.KindRules }

func (e *Engine) check(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if e.validate == nil {
		return nil
	}
	for _, a := range r.Actions {
		if err := e.validate(a); err != nil {
			return ruleErr(r.Name, err)
		}
	}
	return nil
}

func (e *Engine) bind(r Rule, seq uint64) *compiled {
	c, unknown := compile(r, seq)
	if len(unknown) > 0 {
		e.logger.Warn("rule references unknown context fields, it will never match",
			"rule", r.Name, "fields", unknown)
	}
	return c
}

// AddRule inserts r. In strict mode an existing name fails with ErrDuplicateRule;
// otherwise the old rule is replaced and keeps its tie-break position.
func (e *Engine) AddRule(r Rule) error {
	if err := e.check(r); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.byName[r.Name]; exists && e.strict {
		return ruleErr(r.Name, ErrDuplicateRule)
	}
	e.upsertLocked(r)
	return nil
}

// ReplaceRule inserts r or replaces the rule of the same name, in any mode.
func (e *Engine) ReplaceRule(r Rule) error {
	if err := e.check(r); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.upsertLocked(r)
	return nil
}

func (e *Engine) upsertLocked(r Rule) {
	if old, ok := e.byName[r.Name]; ok {
		c := e.bind(r, old.seq)
		idx := slices.Index(e.sorted, old)
		e.sorted[idx] = c
		e.byName[r.Name] = c
		e.sortLocked()
		e.logger.Debug("rule replaced", "rule", r.Name, "priority", r.Priority)
		return
	}

	e.seq++
	c := e.bind(r, e.seq)
	e.sorted = append(e.sorted, c)
	e.byName[r.Name] = c
	e.sortLocked()
	e.logger.Debug("rule added", "rule", r.Name, "priority", r.Priority)
}

func (e *Engine) sortLocked() {
	slices.SortStableFunc(e.sorted, func(a, b *compiled) int {
		switch {
		case less(a, b):
			return -1
		case less(b, a):
			return 1
		}
		return 0
	})
}

// RemoveRule deletes the named rule.
func (e *Engine) RemoveRule(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.byName[name]
	if !ok {
		return ruleErr(name, ErrRuleNotFound)
	}
	delete(e.byName, name)
	e.sorted = slices.DeleteFunc(e.sorted, func(x *compiled) bool { return x == c })
	e.logger.Debug("rule removed", "rule", name)
	return nil
}

// SetEnabled toggles a rule without removing it.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.byName[name]
	if !ok {
		return ruleErr(name, ErrRuleNotFound)
	}
	c.rule.Enabled = enabled
	e.logger.Debug("rule toggled", "rule", name, "enabled", enabled)
	return nil
}

// Load validates rs and swaps the whole table in one step. On error the
// current table is left untouched. Registration order follows rs.
func (e *Engine) Load(rs []Rule) error {
	sorted := make([]*compiled, 0, len(rs))
	byName := make(map[string]*compiled, len(rs))
	var seq uint64

	for _, r := range rs {
		if err := e.check(r); err != nil {
			return err
		}
		if old, dup := byName[r.Name]; dup {
			if e.strict {
				return ruleErr(r.Name, ErrDuplicateRule)
			}
			c := e.bind(r, old.seq)
			sorted[slices.Index(sorted, old)] = c
			byName[r.Name] = c
			continue
		}
		seq++
		c := e.bind(r, seq)
		sorted = append(sorted, c)
		byName[r.Name] = c
	}

	e.mu.Lock()
	e.sorted = sorted
	e.byName = byName
	e.seq = seq
	e.sortLocked()
	e.mu.Unlock()

	e.logger.Info("rule table loaded", "rules", len(byName))
	return nil
}

// Match returns the first enabled rule whose conditions all hold.
func (e *Engine) Match(c perception.Context) (Rule, bool) {
	return e.match(c, "")
}

func (e *Engine) match(c perception.Context, mode decision.Mode) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.sorted {
		if !r.rule.Enabled {
			continue
		}
		if mode != "" && !r.rule.AppliesTo(mode) {
			continue
		}
		if r.matches(c) {
			return r.rule.Clone(), true
		}
	}
	return Rule{}, false
}

// Evaluate returns the actions of the highest-priority matching rule, or an
// empty list. It never fails.
func (e *Engine) Evaluate(_ context.Context, c perception.Context) ([]string, error) {
	return e.evaluate(c, "")
}

func (e *Engine) evaluate(c perception.Context, mode decision.Mode) ([]string, error) {
	r, ok := e.match(c, mode)
	if !ok {
		return []string{}, nil
	}
	e.logger.Debug("rule matched", "rule", r.Name, "priority", r.Priority, "actions", r.Actions)
	return r.Actions, nil
}

// ForMode returns a provider that only considers rules tagged for mode.
func (e *Engine) ForMode(mode decision.Mode) decision.Provider {
	return modeView{engine: e, mode: mode}
}

type modeView struct {
	engine *Engine
	mode   decision.Mode
}

func (v modeView) Evaluate(_ context.Context, c perception.Context) ([]string, error) {
	return v.engine.evaluate(c, v.mode)
}

// Rules returns a copy of the table in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Rule, len(e.sorted))
	for i, r := range e.sorted {
		out[i] = r.rule.Clone()
	}
	return out
}

// Rule returns one rule by name.
func (e *Engine) Rule(name string) (Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, ok := e.byName[name]
	if !ok {
		return Rule{}, ruleErr(name, ErrRuleNotFound)
	}
	return c.rule.Clone(), nil
}

// ActiveRules lists the names of enabled rules in evaluation order.
func (e *Engine) ActiveRules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var names []string
	for _, r := range e.sorted {
		if r.rule.Enabled {
			names = append(names, r.rule.Name)
		}
	}
	return names
}

// Len returns the number of rules, enabled or not.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sorted)
}

// Explain describes, rule by rule, why each enabled rule would or would not
// fire for c. The first matching rule is the one Evaluate picks.
func (e *Engine) Explain(c perception.Context) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var b strings.Builder
	fired := false
	for _, r := range e.sorted {
		if !r.rule.Enabled {
			fmt.Fprintf(&b, "- %s (%.2f): disabled\n", r.rule.Name, r.rule.Priority)
			continue
		}

		var failed []string
		for _, cond := range r.conds {
			if cond.match(c) {
				continue
			}
			v, ok := cond.accessor(c)
			got := "absent"
			if ok {
				got = v.String()
			}
			failed = append(failed, fmt.Sprintf("%s %s (got %s)", cond.field, cond.pred, got))
		}

		switch {
		case len(failed) > 0:
			fmt.Fprintf(&b, "- %s (%.2f): no match: %s\n", r.rule.Name, r.rule.Priority, strings.Join(failed, "; "))
		case fired:
			fmt.Fprintf(&b, "- %s (%.2f): matches, shadowed\n", r.rule.Name, r.rule.Priority)
		default:
			fired = true
			fmt.Fprintf(&b, "- %s (%.2f): FIRES -> %s\n", r.rule.Name, r.rule.Priority, strings.Join(r.rule.Actions, ", "))
		}
	}
	if !fired {
		b.WriteString("no rule matches\n")
	}
	return b.String()
}

var _ decision.Provider = (*Engine)(nil)
