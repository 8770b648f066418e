package reasoner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/teslashibe/go-picar/pkg/perception"
)

// ActionInfo names an action the model may choose.
type ActionInfo struct {
	Name        string
	Description string
}

// SystemPrompt tells the model what it controls and how to answer.
func SystemPrompt(actions []ActionInfo, obstacleThreshold float64) string {
	var b strings.Builder
	b.WriteString("You are the brain of a PiCar-X robot car. Read the sensor state and decide what the robot does next.\n\n")

	b.WriteString("AVAILABLE ACTIONS:\n")
	for _, a := range actions {
		fmt.Fprintf(&b, "- %s: %s\n", a.Name, a.Description)
	}

	fmt.Fprintf(&b, `
SAFETY RULES:
1. If an obstacle is closer than %.0fcm, always avoid it or stop.
2. Never drive forward while an obstacle is close.
3. Safety comes before every other goal.

BEHAVIOUR:
- React to what the sensors report.
- If you see a face, follow it.
- If you see the target colour, approach it.
- If you hear a voice command, carry it out.
- If nothing is happening, explore.

Answer ONLY with a JSON object of this form:
{"actions": ["action1", "action2"], "reasoning": "short explanation", "priority": "high|medium|low"}
`, obstacleThreshold)
	return b.String()
}

// UserPrompt describes the current context.
func UserPrompt(c perception.Context) string {
	var b strings.Builder
	b.WriteString("CURRENT ROBOT STATE:\n")
	for _, line := range strings.Split(c.Summary(), "\n") {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("\nWhat should the robot do?")
	return b.String()
}

// Decision is a parsed model answer.
type Decision struct {
	Actions   []string `json:"actions"`
	Reasoning string   `json:"reasoning,omitempty"`
	Priority  string   `json:"priority,omitempty"`

	// Dropped holds tokens the model chose that the robot cannot execute.
	Dropped []string `json:"dropped,omitempty"`
}

type rawDecision struct {
	Actions   json.RawMessage `json:"actions"`
	Reasoning string          `json:"reasoning"`
	Priority  json.RawMessage `json:"priority"`
}

// ParseDecision extracts the decision object from a model answer. Markdown
// code fences and text around the object are tolerated.
func ParseDecision(content string) (Decision, error) {
	s := strings.TrimSpace(content)
	if s == "" {
		return Decision{}, ErrEmptyResponse
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return Decision{}, fmt.Errorf("%w: no JSON object in %q", ErrMalformedDecision, truncate(s, 80))
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}

	if len(raw.Actions) == 0 || string(raw.Actions) == "null" {
		return Decision{}, fmt.Errorf("%w: no actions field", ErrMalformedDecision)
	}
	var actions []string
	if err := json.Unmarshal(raw.Actions, &actions); err != nil {
		return Decision{}, fmt.Errorf("%w: actions must be a list of strings", ErrMalformedDecision)
	}

	d := Decision{Reasoning: raw.Reasoning, Priority: priority(raw.Priority), Actions: []string{}}
	for _, a := range actions {
		if a = strings.TrimSpace(a); a != "" {
			d.Actions = append(d.Actions, a)
		}
	}
	return d, nil
}

// priority accepts "high" as well as a bare number.
func priority(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
