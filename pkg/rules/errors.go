package rules

import (
	"errors"
	"fmt"
)

// Sentinel errors. All of them are configuration errors and fatal at startup.
var (
	// ErrDuplicateRule is returned when a rule name is reused in strict mode.
	ErrDuplicateRule = errors.New("rules: duplicate rule name")

	// ErrRuleNotFound is returned when a named rule does not exist.
	ErrRuleNotFound = errors.New("rules: rule not found")

	// ErrInvalidPriority is returned for priorities outside [0, 1].
	ErrInvalidPriority = errors.New("rules: priority must be within [0, 1]")

	// ErrUnknownOperator is returned for comparison operators the engine does not know.
	ErrUnknownOperator = errors.New("rules: unknown operator")

	// ErrEmptyName is returned for rules without a name.
	ErrEmptyName = errors.New("rules: rule name required")

	// ErrInvalidPredicate is returned when a predicate has no usable operand.
	ErrInvalidPredicate = errors.New("rules: invalid predicate")
)

// RuleError attaches the offending rule name to a validation failure.
type RuleError struct {
	Rule string
	Err  error
}

// Error implements the error interface.
func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %q: %v", e.Rule, e.Err)
}

// Unwrap returns the underlying error.
func (e *RuleError) Unwrap() error {
	return e.Err
}

func ruleErr(name string, err error) error {
	return &RuleError{Rule: name, Err: err}
}
