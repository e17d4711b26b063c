// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging builds the zap logger used by helper binaries.
//
// Stdout belongs to the helper protocol, so logs go to stderr (which Squid
// copies into cache.log) and optionally to a rotated file.
package logging

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level zapcore.Level

	// Path of the log file. Empty disables file logging.
	Path       string
	MaxSize    int // megabytes
	MaxBackups int
	Compress   bool

	// Stderr receives console logs, os.Stderr when nil.
	Stderr io.Writer
}

// Logger is a zap logger together with the sinks it must close.
type Logger struct {
	*zap.Logger
	file *lumberjack.Logger
}

// New builds a logger from cfg.
func New(cfg Config) *Logger {
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	consoleConfig := zap.NewDevelopmentEncoderConfig()
	consoleConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(zapcore.AddSync(stderr)), cfg.Level),
	}

	l := &Logger{}
	if cfg.Path != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		fileConfig := zap.NewProductionEncoderConfig()
		fileConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), zapcore.AddSync(l.file), cfg.Level))
	}
	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return l
}

// Logr returns the logger as a logr.Logger for the helper library.
func (l *Logger) Logr() logr.Logger {
	return zapr.NewLogger(l.Logger)
}

// Close flushes buffered entries and closes the log file.
func (l *Logger) Close() error {
	err := l.Sync()
	if l.file != nil {
		err = multierr.Append(err, l.file.Close())
	}
	return err
}

// ParseLevel maps a level name such as "debug" or "warn" to a zap level.
func ParseLevel(name string) (zapcore.Level, error) {
	var level zapcore.Level
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	err := level.UnmarshalText([]byte(name))
	return level, err
}
