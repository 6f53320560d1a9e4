// Package runlog builds the per-run logger.
//
// Every stage of a run logs into a single log file at logs/<timestamp>.log.
// When verbose mode is requested the same records are duplicated to the
// invoking terminal; otherwise the file is the only output. The final
// success line of a run is written through this logger, so a truncated log
// without it is the caller's signal of failure.
package runlog

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/groupware-tools/gwbackup/pkg/util"
)

// Logger wraps a zap.SugaredLogger bound to one run's log file.
type Logger struct {
	*zap.SugaredLogger
	file    *os.File
	verbose bool
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// New creates a logger writing to the run log file at logPath. With verbose
// set, records are teed to stderr as well. consoleLevel only applies to the
// terminal echo; the log file always records from INFO upward.
func New(logPath string, verbose bool, consoleLevel zapcore.Level) (*Logger, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		return nil, fmt.Errorf("could not create run log %s: %w", logPath, err)
	}

	enc := zapcore.NewConsoleEncoder(encoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.AddSync(f), zapcore.InfoLevel),
	}
	if verbose {
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stderr), consoleLevel))
	}

	zl := zap.New(zapcore.NewTee(cores...))
	return &Logger{
		SugaredLogger: zl.Sugar(),
		file:          f,
		verbose:       verbose,
	}, nil
}

// Console creates a terminal-only logger for diagnostics emitted before the
// run log exists (configuration and preflight failures).
func Console(level zapcore.Level) *Logger {
	enc := zapcore.NewConsoleEncoder(encoderConfig())
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return &Logger{SugaredLogger: zap.New(core).Sugar()}
}

// RawWriter returns a writer for external tool output. It feeds the run log
// file directly and, in verbose mode, the terminal as well.
func (l *Logger) RawWriter() io.Writer {
	if l.file == nil {
		return os.Stderr
	}
	if l.verbose {
		return io.MultiWriter(l.file, os.Stderr)
	}
	return l.file
}

// Close flushes and closes the underlying log file.
func (l *Logger) Close() error {
	_ = l.Sync() // Sync on a closed stderr is a known no-op failure; ignore.
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// FormatElapsed renders a duration as minutes and seconds, the format used
// for all stage and run summaries.
func FormatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}
