package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// traceLevel enables logr V(2) output.
const traceLevel = zapcore.Level(-2)

type logOptions struct {
	level string
	json  bool
	debug bool
}

func parseLogLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "trace":
		return traceLevel, nil
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// newLogger returns a logger on stderr and a function flushing it. Debug
// lowers the level to trace unless a lower level was asked for already.
func newLogger(opts logOptions) (logr.Logger, func(), error) {
	lvl, err := parseLogLevel(opts.level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	if opts.debug && lvl > traceLevel {
		lvl = traceLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.json {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(lvl))
	zapLogger := zap.New(core)

	return zapr.NewLogger(zapLogger), func() { _ = zapLogger.Sync() }, nil
}
