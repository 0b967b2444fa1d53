package sshd

import (
	"strings"
	"sync"

	"github.com/anmitsu/go-shlex"
	"github.com/armon/go-radix"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

type session struct {
	l        *logrus.Entry
	prompt   string
	c        *ssh.ServerConn
	commands *radix.Tree

	termOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// newSession serves the channels of an authenticated connection. The session
// gets its own copy of the command table so it can add logout.
func newSession(commands *radix.Tree, conn *ssh.ServerConn, chans <-chan ssh.NewChannel, prompt string, l *logrus.Entry) *session {
	s := &session{
		commands: radix.NewFromMap(commands.ToMap()),
		l:        l,
		prompt:   prompt,
		c:        conn,
		done:     make(chan struct{}),
	}

	s.commands.Insert("logout", &Command{
		Name:             "logout",
		ShortDescription: "Ends the current session",
		Callback: func(any, []string, StringWriter) error {
			s.Close()
			return nil
		},
	})

	go s.accept(chans)
	return s
}

// Done is closed once the session ended.
func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) accept(chans <-chan ssh.NewChannel) {
	for nc := range chans {
		if t := nc.ChannelType(); t != "session" {
			s.l.WithField("sshChannelType", t).Error("unknown channel type")
			_ = nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		ch, reqs, err := nc.Accept()
		if err != nil {
			s.l.WithError(err).Warn("could not accept channel")
			continue
		}
		go s.serve(ch, reqs)
	}
}

// serve answers the requests on one channel. An exec request runs a single
// command and closes the channel, a shell request starts the interactive
// terminal.
func (s *session) serve(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		ok := true
		switch req.Type {
		case "pty-req", "window-change":
		case "shell":
			ok = false
			s.termOnce.Do(func() {
				ok = true
				go s.interact(ch)
			})
		case "exec":
			s.exec(ch, req)
			return
		default:
			s.l.WithField("sshRequest", req.Type).Debug("Rejected unknown request")
			ok = false
		}

		if err := req.Reply(ok, nil); err != nil {
			s.l.WithError(err).Info("Error handling ssh session requests")
			s.Close()
			return
		}
	}
}

func (s *session) exec(ch ssh.Channel, req *ssh.Request) {
	defer ch.Close()

	var payload struct{ Value string }
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		_ = req.Reply(false, nil)
		return
	}

	_ = req.Reply(true, nil)
	s.dispatch(payload.Value, lineWriter{ch})
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
}

func (s *session) interact(ch ssh.Channel) {
	defer s.Close()

	t := term.NewTerminal(ch, s.c.User()+s.prompt)
	t.AutoCompleteCallback = func(line string, pos int, key rune) (string, int, bool) {
		if key != '\t' {
			return "", 0, false
		}

		names := matchCommand(s.commands, line)
		if len(names) == 1 {
			return names[0] + " ", len(names[0]) + 1, true
		}
		_, _ = t.Write([]byte(strings.Join(names, "\n") + "\n\n"))
		return "", 0, false
	}

	w := lineWriter{t}
	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		s.dispatch(line, w)
	}
}

func (s *session) dispatch(line string, w StringWriter) {
	args, err := shlex.Split(line, true)
	if err != nil {
		return
	}
	if len(args) == 0 {
		dumpCommands(s.commands, w)
		return
	}

	c, err := lookupCommand(s.commands, args[0])
	switch {
	case err != nil:
		return
	case c == nil:
		_ = w.Printf("did not understand: %s\n", line)
		dumpCommands(s.commands, w)
		return
	case checkHelpArgs(args):
		_ = helpCallback(s.commands, []string{c.Name}, w)
		return
	}

	if err := execCommand(c, args[1:], w); err != nil {
		s.l.WithError(err).WithField("command", c.Name).Warn("Command failed")
		_ = w.WriteLine(err.Error())
	}
}

func (s *session) Close() {
	s.closeOnce.Do(func() {
		s.c.Close()
		close(s.done)
	})
}
