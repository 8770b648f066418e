package rules

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/perception"
)

// Predicates are written either as a bare scalar (equality) or as a two-element
// list [operator, operand]:
//
//	conditions:
//	  face_detected: true
//	  obstacle_distance: ["<", 20]

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Predicate) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var raw any
		if err := node.Decode(&raw); err != nil {
			return err
		}
		v, err := operand(raw)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*p = Equals(v)
		return nil

	case yaml.SequenceNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: %w: want [operator, operand]", node.Line, ErrInvalidPredicate)
		}
		var raw any
		if err := node.Content[1].Decode(&raw); err != nil {
			return err
		}
		v, err := operand(raw)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*p = Compare(Op(node.Content[0].Value), v)
		return nil
	}
	return fmt.Errorf("line %d: %w: want a scalar or [operator, operand]", node.Line, ErrInvalidPredicate)
}

// MarshalYAML implements yaml.Marshaler.
func (p Predicate) MarshalYAML() (any, error) {
	if p.compare {
		return []any{string(p.op), p.operand.Interface()}, nil
	}
	return p.operand.Interface(), nil
}

// UnmarshalJSON accepts the same shapes as the YAML form.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if list, ok := raw.([]any); ok {
		op, isStr := firstString(list)
		if len(list) != 2 || !isStr {
			return fmt.Errorf("%w: want [operator, operand]", ErrInvalidPredicate)
		}
		v, err := operand(list[1])
		if err != nil {
			return err
		}
		*p = Compare(Op(op), v)
		return nil
	}

	v, err := operand(raw)
	if err != nil {
		return err
	}
	*p = Equals(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p Predicate) MarshalJSON() ([]byte, error) {
	v, _ := p.MarshalYAML()
	return json.Marshal(v)
}

func firstString(list []any) (string, bool) {
	if len(list) == 0 {
		return "", false
	}
	s, ok := list[0].(string)
	return s, ok
}

func operand(raw any) (perception.Value, error) {
	if raw == nil {
		return perception.Value{}, fmt.Errorf("%w: null operand", ErrInvalidPredicate)
	}
	v, err := perception.ValueOf(raw)
	if err != nil {
		return perception.Value{}, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
	}
	return v, nil
}

// document is the on-disk and on-the-wire shape of a Rule. A missing enabled
// key means enabled.
type document struct {
	Name       string               `yaml:"name" json:"name"`
	Priority   float64              `yaml:"priority" json:"priority"`
	Enabled    *bool                `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Modes      []decision.Mode      `yaml:"modes,omitempty" json:"modes,omitempty"`
	Conditions map[string]Predicate `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Actions    []string             `yaml:"actions" json:"actions"`
}

func (d document) rule() Rule {
	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}
	return Rule{
		Name:       d.Name,
		Priority:   d.Priority,
		Enabled:    enabled,
		Modes:      d.Modes,
		Conditions: d.Conditions,
		Actions:    d.Actions,
	}
}

func (r Rule) document() document {
	enabled := r.Enabled
	return document{
		Name:       r.Name,
		Priority:   r.Priority,
		Enabled:    &enabled,
		Modes:      r.Modes,
		Conditions: r.Conditions,
		Actions:    r.Actions,
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	var d document
	if err := node.Decode(&d); err != nil {
		return err
	}
	*r = d.rule()
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (r Rule) MarshalYAML() (any, error) {
	return r.document(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var d document
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	*r = d.rule()
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.document())
}

// File is the layout of a standalone rules file.
type File struct {
	Rules []Rule `yaml:"rules"`
}

// Parse decodes a rules document and validates every rule.
func Parse(data []byte) ([]Rule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rules: parse: %w", err)
	}
	for _, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Rules, nil
}

// LoadFile reads and parses a rules file.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return Parse(data)
}

// Marshal renders rules in the file layout.
func Marshal(rs []Rule) ([]byte, error) {
	return yaml.Marshal(File{Rules: rs})
}
