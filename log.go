package tlspump

import (
	"fmt"
	"log"
)

// Log levels
const (
	LevelOff = iota
	LevelError
	LevelInfo
	LevelDebug
	LevelTrace
)

// Logger logs stream operations.
type Logger interface {
	Log(level int, format string, values ...interface{})
}

// LeveledLogger creates a logger with specified level.
// Messages are written through the standard log package.
func LeveledLogger(level int) Logger {
	return leveledLogger(level)
}

type leveledLogger int

func (l leveledLogger) Log(level int, format string, values ...interface{}) {
	if level <= int(l) {
		msg := fmt.Sprintf(format, values...)
		log.Output(2, msg)
	}
}

// ParseLevel returns the log level for its name.
func ParseLevel(name string) (int, error) {
	switch name {
	case "off":
		return LevelOff, nil
	case "error":
		return LevelError, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	default:
		return LevelOff, fmt.Errorf("unknown log level: %q", name)
	}
}
