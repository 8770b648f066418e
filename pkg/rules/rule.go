// Package rules implements the priority-ordered, first-match-wins behaviour
// table that maps a perception.Context to an action list.
package rules

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/perception"
)

// Op is a comparison operator.
type Op string

const (
	OpGT Op = ">"
	OpLT Op = "<"
	OpGE Op = ">="
	OpLE Op = "<="
	OpEQ Op = "=="
	OpNE Op = "!="
)

// Valid reports whether op is a known operator.
func (op Op) Valid() bool {
	switch op {
	case OpGT, OpLT, OpGE, OpLE, OpEQ, OpNE:
		return true
	}
	return false
}

// Predicate is either an equality test or an (operator, operand) comparison.
type Predicate struct {
	compare bool
	op      Op
	operand perception.Value
}

// Equals matches when the field equals v.
func Equals(v perception.Value) Predicate {
	return Predicate{op: OpEQ, operand: v}
}

// Compare matches when `field op v` holds.
func Compare(op Op, v perception.Value) Predicate {
	return Predicate{compare: true, op: op, operand: v}
}

// IsCompare reports whether p is an operator predicate.
func (p Predicate) IsCompare() bool { return p.compare }

// Op returns the operator. Equality predicates report OpEQ.
func (p Predicate) Op() Op { return p.op }

// Operand returns the value the field is tested against.
func (p Predicate) Operand() perception.Value { return p.operand }

// Validate checks the operator and operand.
func (p Predicate) Validate() error {
	if !p.op.Valid() {
		return fmt.Errorf("%w %q", ErrUnknownOperator, p.op)
	}
	if p.operand.Kind() == perception.KindInvalid {
		return ErrInvalidPredicate
	}
	if p.operand.Kind() == perception.KindBool && p.op != OpEQ && p.op != OpNE {
		return fmt.Errorf("%w: %s on a boolean", ErrInvalidPredicate, p.op)
	}
	return nil
}

// Match applies the predicate to a field value. A missing field never matches,
// and neither does a value of a different kind than the operand.
func (p Predicate) Match(v perception.Value, ok bool) bool {
	if !ok || v.Kind() != p.operand.Kind() {
		return false
	}

	switch p.op {
	case OpEQ:
		return v.Equal(p.operand)
	case OpNE:
		return !v.Equal(p.operand)
	}

	c, ok := order(v, p.operand)
	if !ok {
		return false
	}
	switch p.op {
	case OpGT:
		return c > 0
	case OpLT:
		return c < 0
	case OpGE:
		return c >= 0
	case OpLE:
		return c <= 0
	}
	return false
}

func order(a, b perception.Value) (int, bool) {
	switch a.Kind() {
	case perception.KindNumber:
		x, y := a.Number(), b.Number()
		if math.IsNaN(x) || math.IsNaN(y) {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case perception.KindString:
		return strings.Compare(a.Str(), b.Str()), true
	}
	return 0, false
}

func (p Predicate) String() string {
	if !p.compare {
		return p.operand.String()
	}
	return fmt.Sprintf("%s %s", p.op, p.operand)
}

// Rule maps a set of conditions to an ordered action list.
type Rule struct {
	Name       string
	Priority   float64
	Enabled    bool
	Modes      []decision.Mode // empty means every mode
	Conditions map[string]Predicate
	Actions    []string
}

// Validate checks the name, priority range and every predicate.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrEmptyName
	}
	if r.Priority < 0 || r.Priority > 1 || math.IsNaN(r.Priority) {
		return ruleErr(r.Name, fmt.Errorf("%w: got %v", ErrInvalidPriority, r.Priority))
	}
	for _, field := range r.fields() {
		if err := r.Conditions[field].Validate(); err != nil {
			return ruleErr(r.Name, fmt.Errorf("condition %s: %w", field, err))
		}
	}
	for _, m := range r.Modes {
		if _, err := decision.ParseMode(string(m)); err != nil {
			return ruleErr(r.Name, err)
		}
	}
	return nil
}

// AppliesTo reports whether the rule participates in mode.
func (r Rule) AppliesTo(mode decision.Mode) bool {
	return len(r.Modes) == 0 || slices.Contains(r.Modes, mode)
}

// Clone returns a deep copy.
func (r Rule) Clone() Rule {
	out := r
	out.Modes = slices.Clone(r.Modes)
	out.Actions = slices.Clone(r.Actions)
	if r.Conditions != nil {
		out.Conditions = make(map[string]Predicate, len(r.Conditions))
		for k, v := range r.Conditions {
			out.Conditions[k] = v
		}
	}
	return out
}

// fields returns condition fields in sorted order for deterministic output.
func (r Rule) fields() []string {
	out := make([]string, 0, len(r.Conditions))
	for f := range r.Conditions {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// condition is a predicate bound to its field accessor at registration time.
type condition struct {
	field    string
	accessor perception.Accessor
	pred     Predicate
}

func (c condition) match(ctx perception.Context) bool {
	v, ok := c.accessor(ctx)
	return c.pred.Match(v, ok)
}

type compiled struct {
	rule  Rule
	seq   uint64
	conds []condition
}

func compile(r Rule, seq uint64) (*compiled, []string) {
	var unknown []string
	c := &compiled{rule: r.Clone(), seq: seq}
	for _, f := range r.fields() {
		acc, known := perception.AccessorFor(f)
		if !known {
			unknown = append(unknown, f)
		}
		c.conds = append(c.conds, condition{field: f, accessor: acc, pred: r.Conditions[f]})
	}
	return c, unknown
}

func (c *compiled) matches(ctx perception.Context) bool {
	for _, cond := range c.conds {
		if !cond.match(ctx) {
			return false
		}
	}
	return true
}

// less orders by priority descending, then registration order ascending.
func less(a, b *compiled) bool {
	if a.rule.Priority != b.rule.Priority {
		return a.rule.Priority > b.rule.Priority
	}
	return a.seq < b.seq
}
