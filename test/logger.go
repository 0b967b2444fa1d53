// Package test holds helpers shared by the package tests.
package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that discards output unless TEST_LOGS is set.
// TEST_LOGS=2 enables debug and TEST_LOGS=3 trace output.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// NewLoggerWithHook is NewLogger plus a hook recording every entry at debug
// level and above, for tests that assert on what was logged.
func NewLoggerWithHook() (*logrus.Logger, *test.Hook) {
	l := NewLogger()
	if l.GetLevel() < logrus.DebugLevel {
		l.SetLevel(logrus.DebugLevel)
	}
	return l, test.NewLocal(l)
}

// HasEntry reports whether h recorded an entry at level lvl with message msg.
func HasEntry(h *test.Hook, lvl logrus.Level, msg string) bool {
	for _, e := range h.AllEntries() {
		if e.Level == lvl && e.Message == msg {
			return true
		}
	}
	return false
}
