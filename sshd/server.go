// Package sshd is a small SSH server exposing a command console. Commands are
// registered by name and run either interactively or through ssh exec.
package sshd

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/armon/go-radix"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const handshakeTimeout = 10 * time.Second

type SSHServer struct {
	config *ssh.ServerConfig
	l      *logrus.Entry
	prompt string

	// user -> marshalled public key
	keysLock    sync.RWMutex
	trustedKeys map[string]map[string]bool
	trustedCAs  []ssh.PublicKey

	commands *radix.Tree

	listenerLock sync.Mutex
	listener     net.Listener

	connsLock sync.Mutex
	conns     map[int]*session
	counter   int
}

// NewSSHServer creates a server with the help command registered. name is
// used in the server version and the prompt.
func NewSSHServer(l *logrus.Entry, name string) (*SSHServer, error) {
	s := &SSHServer{
		trustedKeys: make(map[string]map[string]bool),
		l:           l,
		prompt:      "@" + name + " > ",
		commands:    radix.New(),
		conns:       make(map[int]*session),
	}

	cc := ssh.CertChecker{
		IsUserAuthority: func(auth ssh.PublicKey) bool {
			s.keysLock.RLock()
			defer s.keysLock.RUnlock()
			for _, ca := range s.trustedCAs {
				if bytes.Equal(ca.Marshal(), auth.Marshal()) {
					return true
				}
			}
			return false
		},
		UserKeyFallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			fp := ssh.FingerprintSHA256(pubKey)

			s.keysLock.RLock()
			tk, ok := s.trustedKeys[c.User()]
			known := ok && tk[string(pubKey.Marshal())]
			s.keysLock.RUnlock()

			if !ok {
				return nil, fmt.Errorf("unknown user %s", c.User())
			}
			if !known {
				return nil, fmt.Errorf("unknown public key for %s (%s)", c.User(), fp)
			}

			return &ssh.Permissions{
				Extensions: map[string]string{
					"fp":   fp,
					"user": c.User(),
				},
			}, nil
		},
	}

	s.config = &ssh.ServerConfig{
		PublicKeyCallback: cc.Authenticate,
		ServerVersion:     "SSH-2.0-" + name,
	}

	s.RegisterCommand(&Command{
		Name:             "help",
		ShortDescription: "prints available commands or help <command> for specific usage info",
		Callback: func(a any, args []string, w StringWriter) error {
			return helpCallback(s.commands, args, w)
		},
	})

	return s, nil
}

func (s *SSHServer) SetHostKey(hostPrivateKey []byte) error {
	private, err := ssh.ParsePrivateKey(hostPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %s", err)
	}

	s.config.AddHostKey(private)
	return nil
}

func (s *SSHServer) ClearTrustedCAs() {
	s.keysLock.Lock()
	s.trustedCAs = nil
	s.keysLock.Unlock()
}

func (s *SSHServer) ClearAuthorizedKeys() {
	s.keysLock.Lock()
	s.trustedKeys = make(map[string]map[string]bool)
	s.keysLock.Unlock()
}

// AddTrustedCA adds a trusted CA for user certificates
func (s *SSHServer) AddTrustedCA(pubKey string) error {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKey))
	if err != nil {
		return err
	}

	s.keysLock.Lock()
	s.trustedCAs = append(s.trustedCAs, pk)
	s.keysLock.Unlock()

	s.l.WithField("sshKey", pubKey).Info("Trusted CA key")
	return nil
}

// AddAuthorizedKey adds an ssh public key for a user
func (s *SSHServer) AddAuthorizedKey(user, pubKey string) error {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKey))
	if err != nil {
		return err
	}

	s.keysLock.Lock()
	tk, ok := s.trustedKeys[user]
	if !ok {
		tk = make(map[string]bool)
		s.trustedKeys[user] = tk
	}
	tk[string(pk.Marshal())] = true
	s.keysLock.Unlock()

	s.l.WithField("sshKey", pubKey).WithField("sshUser", user).Info("Authorized ssh key")
	return nil
}

// RegisterCommand adds a command that can be run by a user, by default only `help` is available
func (s *SSHServer) RegisterCommand(c *Command) {
	s.commands.Insert(c.Name, c)
}

// Listen binds addr. Serve must be called to accept connections.
func (s *SSHServer) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s.listenerLock.Lock()
	s.listener = ln
	s.listenerLock.Unlock()

	s.l.WithField("sshListener", ln.Addr()).Info("SSH server is listening")
	return ln.Addr(), nil
}

// Run listens on addr and serves until Stop is called.
func (s *SSHServer) Run(addr string) error {
	if _, err := s.Listen(addr); err != nil {
		return err
	}
	s.Serve()
	return nil
}

// Serve accepts connections until the listener is closed.
func (s *SSHServer) Serve() {
	s.listenerLock.Lock()
	ln := s.listener
	s.listenerLock.Unlock()
	if ln == nil {
		return
	}

	s.run(ln)
	s.closeSessions()
	s.l.Info("SSH server stopped listening")
}

func (s *SSHServer) run(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.l.WithError(err).Warn("Error in listener, shutting down")
			}
			return
		}

		go s.handleConn(c)
	}
}

func (s *SSHServer) handleConn(c net.Conn) {
	conn, chans, reqs, err := s.handshakeWithTimeout(c, handshakeTimeout)
	if err != nil {
		s.l.WithError(err).WithField("remoteAddress", c.RemoteAddr()).Warn("failed to handshake")
		return
	}

	l := s.l.WithField("sshUser", conn.User())
	l.WithField("remoteAddress", c.RemoteAddr()).
		WithField("sshFingerprint", conn.Permissions.Extensions["fp"]).
		Info("ssh user logged in")

	session := newSession(s.commands, conn, chans, s.prompt, l.WithField("subsystem", "sshd.session"))
	s.connsLock.Lock()
	s.counter++
	id := s.counter
	s.conns[id] = session
	s.connsLock.Unlock()

	go ssh.DiscardRequests(reqs)
	go func() {
		<-session.Done()
		s.l.WithField("id", id).Debug("closing conn")
		s.connsLock.Lock()
		delete(s.conns, id)
		s.connsLock.Unlock()
	}()
}

// handshakeWithTimeout runs the server side handshake on c, closing c if it
// does not finish within timeout.
func (s *SSHServer) handshakeWithTimeout(c net.Conn, timeout time.Duration) (*ssh.ServerConn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  *ssh.ServerConn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		conn, chans, reqs, err := ssh.NewServerConn(c, s.config)
		done <- result{conn, chans, reqs, err}
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			c.Close()
			return nil, nil, nil, r.err
		}
		return r.conn, r.chans, r.reqs, nil
	case <-t.C:
		c.Close()
		return nil, nil, nil, errors.New("handshake timeout")
	}
}

func (s *SSHServer) Stop() {
	s.listenerLock.Lock()
	ln := s.listener
	s.listener = nil
	s.listenerLock.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			s.l.WithError(err).Warn("Failed to close the sshd listener")
		}
	}
}

func (s *SSHServer) closeSessions() {
	s.connsLock.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.connsLock.Unlock()
}
