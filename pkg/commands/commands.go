package commands

import (
	"strings"
)

// Control commands a chat sender may issue. Anything else starting with a
// slash is ordinary text.
var controlCommands = map[string]struct{}{
	"/help":   {},
	"/status": {},
	"/reset":  {},
	"/pair":   {},
}

type Detector struct{}

// IsControlCommand reports whether the text's first token is a recognized
// control command.
func (Detector) IsControlCommand(text string) bool {
	_, _, ok := Parse(text)
	return ok
}

// Parse splits a control command into its name and argument tail. ok is
// false when the text is not a recognized command.
func Parse(text string) (name, args string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "", "", false
	}
	name = strings.ToLower(fields[0])
	if _, known := controlCommands[name]; !known {
		return "", "", false
	}
	return name, strings.Join(fields[1:], " "), true
}
