// Package logging builds the process logger: a console writer on stderr,
// plus an optional size-rotated JSON file under the data directory.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMB  = 5
	maxBackups = 3
)

// New returns the root logger. level accepts the zerolog level names
// (config validation has already narrowed it); an empty level means info.
// When file is non-empty, log lines are additionally written there as JSON,
// rotated at 5 MB keeping three old generations.
func New(level, file string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("unknown log level %q: %w", level, err)
		}
		lvl = parsed
	}

	var w io.Writer = zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
		cw.Out = os.Stderr
	})
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return zerolog.Nop(), fmt.Errorf("create log directory: %w", err)
		}
		w = zerolog.MultiLevelWriter(w, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		})
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
