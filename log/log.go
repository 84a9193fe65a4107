// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package log exports the leveled logging primitives used throughout
// ijournal.io, backed by logrus.
package log

// We call this log instead of logging for two reasons:
// 1) It's shorter to type;
// 2) it mimics Go's log package and can be used as a drop-in replacement for it.

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the interface for logging messages.
type Logger interface {
	// Printf writes a formatted message to the log.
	Printf(format string, v ...interface{})

	// Print writes a message to the log.
	Print(v ...interface{})

	// Println writes a line to the log.
	Println(v ...interface{})

	// Fatal writes a message to the log and aborts.
	Fatal(v ...interface{})

	// Fatalf writes a formatted message to the log and aborts.
	Fatalf(format string, v ...interface{})
}

// level represents the level of logging.
type level int

// Different levels of logging.
const (
	debug level = iota
	info
	errors
	disabled
)

// Pre-allocated Loggers at each logging level.
var (
	Debug = newLogger(debug, logrus.DebugLevel)
	Info  = newLogger(info, logrus.InfoLevel)
	Error = newLogger(errors, logrus.ErrorLevel)

	currentLevel level = info

	base = func() *logrus.Logger {
		l := logrus.New()
		l.Out = os.Stderr
		l.SetLevel(logrus.DebugLevel)
		return l
	}()
)

type logger struct {
	level    level
	logLevel logrus.Level
	entry    *logrus.Entry
}

var _ Logger = (*logger)(nil)

func newLogger(lvl level, ll logrus.Level) *logger {
	return &logger{level: lvl, logLevel: ll, entry: base.WithField("component", "ijournal")}
}

// WithField returns a Logger that attaches the given field to every message
// it emits, layered on top of the same level and threshold as the receiver.
// This is used by the journal core to tag every message with the image
// being acted on, e.g. log.Info.WithField("image", id).Printf(...).
func (l *logger) WithField(key string, value interface{}) Logger {
	return &logger{level: l.level, logLevel: l.logLevel, entry: l.entry.WithField(key, value)}
}

// Printf writes a formatted message to the log.
func (l *logger) Printf(format string, v ...interface{}) {
	if l.level < currentLevel {
		return // Don't log at lower levels.
	}
	l.entry.Logf(l.logLevel, format, v...)
}

// Print writes a message to the log.
func (l *logger) Print(v ...interface{}) {
	if l.level < currentLevel {
		return // Don't log at lower levels.
	}
	l.entry.Log(l.logLevel, v...)
}

// Println writes a line to the log.
func (l *logger) Println(v ...interface{}) {
	if l.level < currentLevel {
		return // Don't log at lower levels.
	}
	l.entry.Logln(l.logLevel, v...)
}

// Fatal writes a message to the log and aborts, regardless of the current log level.
func (l *logger) Fatal(v ...interface{}) {
	l.entry.Logln(l.logLevel, v...)
	os.Exit(1)
}

// Fatalf writes a formatted message to the log and aborts, regardless of the current log level.
func (l *logger) Fatalf(format string, v ...interface{}) {
	l.entry.Logf(l.logLevel, format, v...)
	os.Exit(1)
}

// String returns the name of the logger.
func (l *logger) String() string {
	return toString(l.level)
}

func toString(level level) string {
	switch level {
	case info:
		return "info"
	case debug:
		return "debug"
	case errors:
		return "error"
	case disabled:
		return "disabled"
	}
	return "unknown"
}

// Level returns the current logging level.
func Level() string {
	return toString(currentLevel)
}

func toLevel(level string) (level, error) {
	switch level {
	case "info":
		return info, nil
	case "debug":
		return debug, nil
	case "error":
		return errors, nil
	case "disabled":
		return disabled, nil
	}
	return disabled, fmt.Errorf("invalid log level %q", level)
}

// SetLevel sets the current level of logging.
func SetLevel(level string) error {
	l, err := toLevel(level)
	if err != nil {
		return err
	}
	currentLevel = l
	return nil
}

// At returns whether the level will be logged currently.
func At(level string) bool {
	l, err := toLevel(level)
	if err != nil {
		return false
	}
	return currentLevel <= l
}

// Printf writes a formatted message to the log.
func Printf(format string, v ...interface{}) {
	Info.Printf(format, v...)
}

// Print writes a message to the log.
func Print(v ...interface{}) {
	Info.Print(v...)
}

// Println writes a line to the log.
func Println(v ...interface{}) {
	Info.Println(v...)
}

// Fatal writes a message to the log and aborts.
func Fatal(v ...interface{}) {
	Info.Fatal(v...)
}

// Fatalf writes a formatted message to the log and aborts.
func Fatalf(format string, v ...interface{}) {
	Info.Fatalf(format, v...)
}
