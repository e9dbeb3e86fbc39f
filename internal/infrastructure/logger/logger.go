// Package logger wires up the process-wide structured logger.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Setup builds a zerolog.Logger for the given level and stage. In "dev" (the
// default) it writes a colorized console format when stdout is a TTY; any
// other stage writes plain JSON lines suitable for log aggregation.
func Setup(level, stage string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	l := parseLevel(level)

	var out zerolog.ConsoleWriter
	var writer interface{ Write([]byte) (int, error) }

	if stage == "" || strings.EqualFold(stage, "dev") {
		colorOut := colorable.NewColorableStdout()
		if !isatty.IsTerminal(os.Stdout.Fd()) {
			colorOut = colorable.NewNonColorable(os.Stdout)
		}
		out = zerolog.ConsoleWriter{Out: colorOut, TimeFormat: time.RFC3339}
		writer = out
	} else {
		writer = os.Stdout
	}

	return zerolog.New(writer).Level(l).With().Timestamp().Str("stage", stage).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
