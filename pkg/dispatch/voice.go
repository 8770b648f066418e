package dispatch

import (
	"strings"
)

// Voice command names.
const (
	CommandForward   = "forward"
	CommandBackward  = "backward"
	CommandLeft      = "left"
	CommandRight     = "right"
	CommandStop      = "stop"
	CommandFollowMe  = "follow_me"
	CommandExplore   = "explore"
	CommandTrackRed  = "track_red"
	CommandTrackBlue = "track_blue"
	CommandLookUp    = "look_up"
	CommandLookDown  = "look_down"
	CommandLookLeft  = "look_left"
	CommandLookRight = "look_right"
	CommandTakePhoto = "take_photo"
	CommandStatus    = "status"
)

// VoiceCommand maps spoken keywords onto a command.
type VoiceCommand struct {
	Command  string   `yaml:"command" json:"command"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// DefaultVoiceCommands returns the English and Spanish keyword table. Order
// matters: the first command with a keyword contained in the utterance wins.
// stop comes first so any utterance containing it halts the car; camera and
// mode commands come before the bare directions they contain.
func DefaultVoiceCommands() []VoiceCommand {
	return []VoiceCommand{
		{CommandStop, []string{"stop", "halt", "freeze", "para", "detente"}},
		{CommandLookUp, []string{"look up", "mira arriba"}},
		{CommandLookDown, []string{"look down", "mira abajo"}},
		{CommandLookLeft, []string{"look left", "mira izquierda"}},
		{CommandLookRight, []string{"look right", "mira derecha"}},
		{CommandTrackRed, []string{"track red", "find red", "busca rojo"}},
		{CommandTrackBlue, []string{"track blue", "find blue", "busca azul"}},
		{CommandTakePhoto, []string{"take photo", "take picture", "toma foto"}},
		{CommandFollowMe, []string{"follow me", "follow", "sígueme"}},
		{CommandExplore, []string{"explore", "look around", "explora"}},
		{CommandStatus, []string{"status", "report", "estado"}},
		{CommandForward, []string{"go forward", "move forward", "forward", "adelante"}},
		{CommandBackward, []string{"go back", "move back", "backward", "atrás"}},
		{CommandLeft, []string{"turn left", "go left", "left", "izquierda"}},
		{CommandRight, []string{"turn right", "go right", "right", "derecha"}},
	}
}

// ParseVoice returns the first command in table with a keyword contained in
// text, compared case-insensitively.
func ParseVoice(table []VoiceCommand, text string) (string, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return "", false
	}
	for _, vc := range table {
		for _, kw := range vc.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return vc.Command, true
			}
		}
	}
	return "", false
}

var knownCommands = map[string]bool{
	CommandForward: true, CommandBackward: true, CommandLeft: true, CommandRight: true,
	CommandStop: true, CommandFollowMe: true, CommandExplore: true, CommandTrackRed: true,
	CommandTrackBlue: true, CommandLookUp: true, CommandLookDown: true, CommandLookLeft: true,
	CommandLookRight: true, CommandTakePhoto: true, CommandStatus: true,
}

// KnownCommand reports whether the dispatcher can execute the named command.
func KnownCommand(name string) bool {
	return knownCommands[name]
}
