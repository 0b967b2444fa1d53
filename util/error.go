// Package util carries small helpers shared by the daemon and its commands.
package util

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ContextualError is an error with a message and structured fields meant to be
// logged once, at the point where it is finally handled.
type ContextualError struct {
	RealError error
	Fields    logrus.Fields
	Context   string
}

func NewContextualError(msg string, fields logrus.Fields, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded wraps err in a ContextualError with msg unless one is
// already somewhere in its chain.
func ContextualizeIfNeeded(msg string, err error) error {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded logs err with its fields if it carries a
// ContextualError, or as a plain error line with msg otherwise.
func LogWithContextIfNeeded(msg string, err error, l *logrus.Logger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

func (ce *ContextualError) Error() string {
	if ce.RealError == nil {
		return ce.Context
	}
	if len(ce.Fields) == 0 {
		return fmt.Sprintf("%s: %v", ce.Context, ce.RealError)
	}
	return fmt.Sprintf("%s (%v): %v", ce.Context, ce.Fields, ce.RealError)
}

func (ce *ContextualError) Unwrap() error {
	return ce.RealError
}

func (ce *ContextualError) Log(l *logrus.Logger) {
	e := l.WithFields(ce.Fields)
	if ce.RealError != nil {
		e = e.WithError(ce.RealError)
	}
	e.Error(ce.Context)
}
