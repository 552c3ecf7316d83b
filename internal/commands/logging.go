package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/hay-kot/lrmq/internal/debuglog"
)

// closers closes every member, returning the joined errors.
type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

// NewLogger builds a logger writing to the console on stderr, to logFile when
// set and, when debugFile is set, to a binary debug log of every event.
func NewLogger(level, logFile, debugFile string) (zerolog.Logger, io.Closer, error) {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	var (
		outputs = []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
		open    closers
	)

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		outputs = append(outputs, file)
		open = append(open, file)
	}

	if debugFile != "" {
		dbg, err := debuglog.Create(debugFile)
		if err != nil {
			_ = open.Close()
			return zerolog.Logger{}, nil, fmt.Errorf("failed to open debug log: %w", err)
		}
		outputs = append(outputs, dbg)
		open = append(open, dbg)
	}

	var output io.Writer = outputs[0]
	if len(outputs) > 1 {
		output = zerolog.MultiLevelWriter(outputs...)
	}

	logger := zerolog.New(output).With().Timestamp().Logger().Level(parsedLevel)
	return logger, open, nil
}
