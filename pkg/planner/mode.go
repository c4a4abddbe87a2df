package planner

import (
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Mode represents how long the mirror keeps running.
type Mode int

const (
	// Once reconciles every include pair and stops.
	Once Mode = iota
	// Continuous reconciles and then follows live changes until cancelled.
	Continuous
)

var modeToString = map[Mode]string{
	Once:       "once",
	Continuous: "continuous",
}
var stringToMode = map[string]Mode{}

func init() {
	stringToMode = util.InvertMap(modeToString)
}

// String returns the string representation of a Mode.
func (m Mode) String() string {
	if str, ok := modeToString[m]; ok {
		return str
	}
	return fmt.Sprintf("unknown_mirror_mode(%d)", m)
}

// ParseMode parses a string and returns the corresponding Mode.
func ParseMode(s string) (Mode, error) {
	if mode, ok := stringToMode[s]; ok {
		return mode, nil
	}
	return 0, fmt.Errorf("invalid mirror mode: %q. Must be 'once' or 'continuous'", s)
}
