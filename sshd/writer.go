package sshd

import (
	"fmt"
	"io"
)

// StringWriter is where a command sends its output. It is the session's
// channel or terminal, so flag sets can print their usage to it directly.
type StringWriter interface {
	io.Writer
	WriteLine(string) error
	Printf(format string, a ...any) error
}

type lineWriter struct {
	io.Writer
}

func (w lineWriter) WriteLine(s string) error {
	_, err := io.WriteString(w.Writer, s+"\n")
	return err
}

func (w lineWriter) Printf(format string, a ...any) error {
	_, err := fmt.Fprintf(w.Writer, format, a...)
	return err
}
