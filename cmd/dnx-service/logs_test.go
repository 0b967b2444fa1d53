package main

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) record(kind string, v ...any) error {
	r.lines = append(r.lines, kind+" "+fmt.Sprint(v...))
	return nil
}

func (r *recordingLogger) Error(v ...any) error   { return r.record("error", v...) }
func (r *recordingLogger) Warning(v ...any) error { return r.record("warning", v...) }
func (r *recordingLogger) Info(v ...any) error    { return r.record("info", v...) }

func (r *recordingLogger) Errorf(format string, a ...any) error {
	return r.record("error", fmt.Sprintf(format, a...))
}

func (r *recordingLogger) Warningf(format string, a ...any) error {
	return r.record("warning", fmt.Sprintf(format, a...))
}

func (r *recordingLogger) Infof(format string, a ...any) error {
	return r.record("info", fmt.Sprintf(format, a...))
}

func TestHookLogger(t *testing.T) {
	rl := &recordingLogger{}
	logger = rl
	defer func() { logger = nil }()

	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true, DisableColors: true}
	l.SetLevel(logrus.TraceLevel)
	HookLogger(l)

	l.Error("bad")
	l.Warn("meh")
	l.Debug("noise")
	l.Trace("dropped")

	assert.Equal(t, []string{
		"error level=error msg=bad\n",
		"warning level=warning msg=meh\n",
		"info level=debug msg=noise\n",
	}, rl.lines)
}
