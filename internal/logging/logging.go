// Package logging builds the zap loggers used by the CLI, the executor and
// the HTTP server.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultTimeFormat = "2006-01-02T15:04:05.000Z07:00"

type Config struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format     string `yaml:"format" validate:"omitempty,oneof=json console"`
	Output     string `yaml:"output"`
	TimeFormat string `yaml:"time_format,omitempty"`
}

// Default logs human-readable lines to stderr so command output on stdout
// stays clean.
func Default() Config {
	return Config{Level: "info", Format: "console", Output: "stderr", TimeFormat: defaultTimeFormat}
}

// New returns a logger for cfg. An output file that cannot be opened falls
// back to stderr.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(encoder(cfg), writer(cfg.Output), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// NewWriter logs to w; used by tests and embedded callers.
func NewWriter(cfg Config, w io.Writer) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return zap.New(zapcore.NewCore(encoder(cfg), zapcore.AddSync(w), level)), nil
}

func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

func encoder(cfg Config) zapcore.Encoder {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = defaultTimeFormat
	}
	ec := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(timeFormat),
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

func writer(output string) zapcore.WriteSyncer {
	switch strings.ToLower(output) {
	case "", "stderr":
		return zapcore.AddSync(os.Stderr)
	case "stdout":
		return zapcore.AddSync(os.Stdout)
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zapcore.AddSync(os.Stderr)
		}
		return zapcore.AddSync(f)
	}
}
