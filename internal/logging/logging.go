// Package logging builds the zap logger shared by the CLI and the HTTP server.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is json or console.
	Format string
	Output io.Writer
}

func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.level()); err != nil {
		return fmt.Errorf("invalid log level %q", c.Level)
	}
	switch c.format() {
	case "json", "console":
		return nil
	}
	return fmt.Errorf("invalid log format %q", c.Format)
}

func (c Config) level() string {
	if strings.TrimSpace(c.Level) == "" {
		return "info"
	}
	return strings.ToLower(c.Level)
}

func (c Config) format() string {
	if strings.TrimSpace(c.Format) == "" {
		return "json"
	}
	return strings.ToLower(c.Format)
}

// New builds a logger writing to cfg.Output, or stderr when unset.
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lvl, _ := zapcore.ParseLevel(cfg.level())
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	core := zapcore.NewCore(newEncoder(cfg.format()), zapcore.AddSync(out), zap.NewAtomicLevelAt(lvl))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// Sync flushes the logger, ignoring the errors stderr and stdout report on Linux.
func Sync(l *zap.Logger) error {
	err := l.Sync()
	if err != nil && (errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)) {
		return nil
	}
	return err
}
