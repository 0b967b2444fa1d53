package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type logLines struct {
	lines []string
}

func (ll *logLines) Write(p []byte) (int, error) {
	ll.lines = append(ll.lines, string(p))
	return len(p), nil
}

func newLogger() (*logrus.Logger, *logLines) {
	ll := &logLines{}
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true, DisableColors: true}
	l.Out = ll
	return l, ll
}

func TestContextualError_Log(t *testing.T) {
	tests := []struct {
		name   string
		err    *ContextualError
		expect string
	}{
		{"full", NewContextualError("probe failed", logrus.Fields{"version": "0x1"}, errors.New("bad id")), "level=error msg=\"probe failed\" error=\"bad id\" version=0x1\n"},
		{"no fields", NewContextualError("probe failed", nil, errors.New("bad id")), "level=error msg=\"probe failed\" error=\"bad id\"\n"},
		{"no error", NewContextualError("probe failed", logrus.Fields{"version": "0x1"}, nil), "level=error msg=\"probe failed\" version=0x1\n"},
		{"context only", NewContextualError("probe failed", nil, nil), "level=error msg=\"probe failed\"\n"},
		{"error only", NewContextualError("", nil, errors.New("bad id")), "level=error error=\"bad id\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, ll := newLogger()
			tt.err.Log(l)
			assert.Equal(t, []string{tt.expect}, ll.lines)
		})
	}
}

func TestContextualError_Error(t *testing.T) {
	inner := errors.New("bad id")
	e := NewContextualError("probe failed", nil, inner)
	assert.Equal(t, "probe failed: bad id", e.Error())
	assert.ErrorIs(t, e, inner)

	e = NewContextualError("probe failed", logrus.Fields{"a": 1}, inner)
	assert.Equal(t, "probe failed (map[a:1]): bad id", e.Error())

	e = NewContextualError("probe failed", nil, nil)
	assert.Equal(t, "probe failed", e.Error())
	assert.Nil(t, e.Unwrap())
}

func TestContextualizeIfNeeded(t *testing.T) {
	inner := errors.New("bad id")

	e := ContextualizeIfNeeded("probe failed", inner)
	assert.IsType(t, &ContextualError{}, e)
	assert.ErrorIs(t, e, inner)

	ce := NewContextualError("already", nil, inner)
	wrapped := fmt.Errorf("outer: %w", ce)
	assert.Same(t, wrapped, ContextualizeIfNeeded("probe failed", wrapped))
}

func TestLogWithContextIfNeeded(t *testing.T) {
	l, ll := newLogger()
	LogWithContextIfNeeded("device init", errors.New("bad id"), l)
	assert.Equal(t, []string{"level=error msg=\"device init\" error=\"bad id\"\n"}, ll.lines)

	l, ll = newLogger()
	ce := NewContextualError("probe failed", logrus.Fields{"version": "0x1"}, errors.New("bad id"))
	LogWithContextIfNeeded("device init", fmt.Errorf("start: %w", ce), l)
	assert.Equal(t, []string{"level=error msg=\"probe failed\" error=\"bad id\" version=0x1\n"}, ll.lines)
}
