package rules

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/perception"
)

func TestPredicateMatch(t *testing.T) {
	num := perception.Number
	str := perception.String
	yes := perception.Bool(true)

	tests := []struct {
		name  string
		pred  Predicate
		value perception.Value
		ok    bool
		want  bool
	}{
		{"equals bool", Equals(yes), yes, true, true},
		{"equals bool mismatch", Equals(yes), perception.Bool(false), true, false},
		{"equals int vs float", Equals(num(30)), num(30.0), true, true},
		{"equals kind mismatch", Equals(yes), num(1), true, false},
		{"missing field", Equals(yes), perception.Value{}, false, false},
		{"gt", Compare(OpGT, num(20)), num(25), true, true},
		{"gt boundary", Compare(OpGT, num(20)), num(20), true, false},
		{"lt", Compare(OpLT, num(20)), num(15), true, true},
		{"ge boundary", Compare(OpGE, num(20)), num(20), true, true},
		{"le", Compare(OpLE, num(20)), num(21), true, false},
		{"eq op", Compare(OpEQ, num(7)), num(7), true, true},
		{"ne op", Compare(OpNE, num(7)), num(8), true, true},
		{"ne on bool", Compare(OpNE, yes), perception.Bool(false), true, true},
		{"ne kind mismatch", Compare(OpNE, num(1)), str("1"), true, false},
		{"compare missing", Compare(OpNE, num(1)), perception.Value{}, false, false},
		{"string order", Compare(OpLT, str("b")), str("a"), true, true},
		{"nan", Compare(OpGT, num(1)), num(math.NaN()), true, false},
		{"string on number", Compare(OpGT, num(1)), str("5"), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pred.Match(tt.value, tt.ok))
		})
	}
}

func TestPredicateString(t *testing.T) {
	assert.Equal(t, "true", Equals(perception.Bool(true)).String())
	assert.Equal(t, "< 20", Compare(OpLT, perception.Number(20)).String())
	assert.True(t, Compare(OpLT, perception.Number(20)).IsCompare())
	assert.False(t, Equals(perception.Number(20)).IsCompare())
}

func TestRuleAppliesTo(t *testing.T) {
	r := Rule{Name: "x"}
	assert.True(t, r.AppliesTo("tracking"))

	r.Modes = []decision.Mode{"tracking"}
	assert.True(t, r.AppliesTo("tracking"))
	assert.False(t, r.AppliesTo("exploration"))
}

func TestRuleValidate_UnknownMode(t *testing.T) {
	r := Rule{Name: "x", Priority: 0.5, Modes: []decision.Mode{"party"}}
	assert.Error(t, r.Validate())
}

func TestDefaultsAreValid(t *testing.T) {
	names := map[string]bool{}
	for _, r := range Defaults() {
		assert.NoError(t, r.Validate(), r.Name)
		assert.True(t, r.Enabled, r.Name)
		assert.NotEmpty(t, r.Actions, r.Name)
		assert.False(t, names[r.Name], "duplicate %s", r.Name)
		names[r.Name] = true
	}
	assert.Len(t, names, 5)
}
