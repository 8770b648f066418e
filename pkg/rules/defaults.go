package rules

import (
	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/perception"
)

// Defaults returns the stock behaviour table.
//
// Obstacle avoidance applies in every mode. The others are tagged with the
// modes they make sense in; all of them run in autonomous mode.
func Defaults() []Rule {
	return []Rule{
		{
			Name:     "follow_face",
			Priority: 0.9,
			Enabled:  true,
			Modes:    []decision.Mode{decision.ModeAutonomous, decision.ModeTracking},
			Conditions: map[string]Predicate{
				perception.FieldFaceDetected: Equals(perception.Bool(true)),
			},
			Actions: []string{"track_face", "move_forward_slow"},
		},
		{
			Name:     "approach_color",
			Priority: 0.8,
			Enabled:  true,
			Modes:    []decision.Mode{decision.ModeAutonomous, decision.ModeTracking},
			Conditions: map[string]Predicate{
				perception.FieldColorDetected: Equals(perception.Bool(true)),
				perception.FieldColorSize:     Compare(OpGT, perception.Number(100)),
			},
			Actions: []string{"track_color", "move_forward"},
		},
		{
			Name:     "avoid_obstacle",
			Priority: 1.0,
			Enabled:  true,
			Conditions: map[string]Predicate{
				perception.FieldObstacleDistance: Compare(OpLT, perception.Number(20)),
			},
			Actions: []string{"stop", "turn_random", "move_forward"},
		},
		{
			Name:     "voice_command",
			Priority: 0.95,
			Enabled:  true,
			Modes:    []decision.Mode{decision.ModeAutonomous, decision.ModeVoiceControl},
			Conditions: map[string]Predicate{
				perception.FieldVoiceDetected: Equals(perception.Bool(true)),
			},
			Actions: []string{"parse_command", "execute_command"},
		},
		{
			Name:     "explore",
			Priority: 0.3,
			Enabled:  true,
			Modes:    []decision.Mode{decision.ModeAutonomous, decision.ModeExploration},
			Conditions: map[string]Predicate{
				perception.FieldIdleTime: Compare(OpGT, perception.Number(5.0)),
			},
			Actions: []string{"scan_environment", "move_forward", "turn_random"},
		},
	}
}
