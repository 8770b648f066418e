package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/teslashibe/go-picar/pkg/robot"
)

// Action names. Parameterised tokens are written name:argument.
const (
	ActionStop            = "stop"
	ActionForward         = "move_forward"
	ActionForwardSlow     = "move_forward_slow"
	ActionForwardFast     = "move_forward_fast"
	ActionBackward        = "move_backward"
	ActionTurnLeft        = "turn_left"
	ActionTurnRight       = "turn_right"
	ActionTurnRandom      = "turn_random"
	ActionCenterSteering  = "center_steering"
	ActionTrackFace       = "track_face"
	ActionTrackColor      = "track_color"
	ActionScan            = "scan_environment"
	ActionAvoidObstacle   = "avoid_obstacle"
	ActionTakePhoto       = "take_photo"
	ActionPlaySound       = "play_sound"
	ActionSpeak           = "speak"
	ActionParseCommand    = "parse_command"
	ActionExecuteCommand  = "execute_command"
	ActionLookUp          = "look_up"
	ActionLookDown        = "look_down"
	ActionLookLeft        = "look_left"
	ActionLookRight       = "look_right"
	ActionCenterCamera    = "center_camera"
	argumentSeparator     = ":"
	defaultSound          = "beep"
	photoNameTimeTemplate = "20060102_150405"
)

// catalog describes every action, for validation and for the reasoner prompt.
var catalog = map[string]string{
	ActionStop:           "stop the wheels",
	ActionForward:        "drive forward at normal speed",
	ActionForwardSlow:    "drive forward slowly",
	ActionForwardFast:    "drive forward fast",
	ActionBackward:       "drive backward at normal speed",
	ActionTurnLeft:       "steer left",
	ActionTurnRight:      "steer right",
	ActionTurnRandom:     "steer left or right at random for a moment",
	ActionCenterSteering: "straighten the front wheels",
	ActionTrackFace:      "aim the camera at the detected face",
	ActionTrackColor:     "aim the camera at the detected colour blob",
	ActionScan:           "sweep the camera left to right",
	ActionAvoidObstacle:  "stop, back off, turn and drive on",
	ActionTakePhoto:      "save a photo",
	ActionPlaySound:      "play a sound, optionally play_sound:<beep|alert|success|error>",
	ActionSpeak:          "say something, written speak:<text>",
	ActionParseCommand:   "interpret the last voice command",
	ActionExecuteCommand: "carry out the last voice command",
	ActionLookUp:         "tilt the camera up",
	ActionLookDown:       "tilt the camera down",
	ActionLookLeft:       "pan the camera left",
	ActionLookRight:      "pan the camera right",
	ActionCenterCamera:   "center the camera",
}

// requiresArgument lists actions that only make sense with a parameter.
var requiresArgument = map[string]bool{ActionSpeak: true}

// acceptsArgument lists actions that may carry a parameter.
var acceptsArgument = map[string]bool{ActionSpeak: true, ActionPlaySound: true}

// ParseToken splits "name:argument". Only the first separator counts, so
// "speak:hello: world" has the argument "hello: world".
func ParseToken(token string) (name, arg string) {
	name, arg, _ = strings.Cut(strings.TrimSpace(token), argumentSeparator)
	return name, arg
}

// ValidateToken reports whether the dispatcher can execute token.
func ValidateToken(token string) error {
	name, arg := ParseToken(token)
	if _, ok := catalog[name]; !ok {
		return fmt.Errorf("%w %q", ErrUnknownAction, token)
	}
	if arg != "" && !acceptsArgument[name] {
		return fmt.Errorf("%w %q: %s takes no argument", ErrUnknownAction, token, name)
	}
	if requiresArgument[name] && strings.TrimSpace(arg) == "" {
		return fmt.Errorf("%w: %s", ErrMissingArgument, name)
	}
	if name == ActionPlaySound && arg != "" {
		if _, ok := robot.Sounds[arg]; !ok {
			return fmt.Errorf("%w %q", robot.ErrUnknownSound, arg)
		}
	}
	return nil
}

// ActionInfo describes one action.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Catalog lists every action in name order.
func Catalog() []ActionInfo {
	out := make([]ActionInfo, 0, len(catalog))
	for name, desc := range catalog {
		out = append(out, ActionInfo{Name: name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsMotion reports whether token drives the wheels.
func IsMotion(token string) bool {
	name, _ := ParseToken(token)
	switch name {
	case ActionForward, ActionForwardSlow, ActionForwardFast, ActionBackward, ActionAvoidObstacle, ActionTurnRandom:
		return true
	}
	return false
}
