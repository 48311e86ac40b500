// Package logging sets up the zap logger shared by the sender and the
// analyzer.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/pktlat-platform/pktlat/common/go/xerror"
)

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`

	// Path, when set, appends a plain copy of the log to this file so
	// long tracing runs keep their log next to the trace files.
	Path string `yaml:"path"`
}

// Init initializes the logging subsystem.
//
// The console core writes to stderr, keeping table output on stdout
// clean, with colored levels only when stderr is a terminal. When a
// log file is configured, a second core appends the same entries
// there, always uncolored. Both cores share one atomic level.
func Init(cfg *Config) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(cfg.Level)

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	if term.IsTerminal(int(os.Stderr.Fd())) {
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.Lock(os.Stderr),
			level,
		),
	}

	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, zap.AtomicLevel{},
				fmt.Errorf("failed to open log file %s (%v): %w", cfg.Path, err, xerror.ErrIOFault)
		}

		fileCfg := zap.NewDevelopmentEncoderConfig()
		fileCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(fileCfg),
			zapcore.Lock(f),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...)), level, nil
}
