package dnx

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/dnxgpu/dnx/config"
	"github.com/dnxgpu/dnx/hw"
	"github.com/dnxgpu/dnx/mem"
	"github.com/dnxgpu/dnx/sshd"
	"github.com/dnxgpu/dnx/stream"
	"github.com/sirupsen/logrus"
)

type sshRingFlags struct {
	Disassemble bool
	Used        bool
}

type sshTimeoutFlags struct {
	Timeout time.Duration
}

type sshSubmitNopFlags struct {
	Timeout time.Duration
	Value   uint
}

type sshSaveDumpFlags struct {
	Text bool
}

// nopPattern is what submit-nop writes to SYNC_1 when no value is given.
const nopPattern = 0x6e6f7021

func wireSSHReload(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) {
	c.RegisterReloadCallback(func(c *config.C) {
		if c.GetBool("sshd.enabled", false) {
			sshRun, err := configSSH(l, ssh, c)
			if err != nil {
				l.WithError(err).Error("Failed to reconfigure the sshd")
				ssh.Stop()
				return
			}
			if sshRun != nil {
				go sshRun()
			}
		} else {
			ssh.Stop()
		}
	})
}

// configSSH reads the sshd section and prepares the server. The returned
// function runs the listener and is nil when the console is disabled.
func configSSH(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) (func(), error) {
	listen := c.GetString("sshd.listen", "")
	if listen == "" {
		return nil, fmt.Errorf("sshd.listen must be provided")
	}

	port := strings.Split(listen, ":")
	if len(port) < 2 {
		return nil, fmt.Errorf("sshd.listen does not have a port")
	} else if port[1] == "22" {
		return nil, fmt.Errorf("sshd.listen can not use port 22")
	}

	hostKeyPathOrKey := c.GetString("sshd.host_key", "")
	if hostKeyPathOrKey == "" {
		return nil, fmt.Errorf("sshd.host_key must be provided")
	}

	var hostKeyBytes []byte
	if strings.Contains(hostKeyPathOrKey, "-----BEGIN") {
		hostKeyBytes = []byte(hostKeyPathOrKey)
	} else {
		var err error
		hostKeyBytes, err = os.ReadFile(hostKeyPathOrKey)
		if err != nil {
			return nil, fmt.Errorf("error while loading sshd.host_key file: %s", err)
		}
	}

	if err := ssh.SetHostKey(hostKeyBytes); err != nil {
		return nil, fmt.Errorf("error while adding sshd.host_key: %s", err)
	}

	ssh.ClearTrustedCAs()
	for _, ca := range c.GetStringSlice("sshd.trusted_cas", nil) {
		if err := ssh.AddTrustedCA(ca); err != nil {
			l.WithError(err).WithField("sshCA", ca).Warn("SSH CA had an error, ignoring")
		}
	}

	ssh.ClearAuthorizedKeys()
	rawKeys := c.Get("sshd.authorized_users")
	keys, ok := rawKeys.([]any)
	if ok {
		for _, rk := range keys {
			kDef, ok := rk.(map[string]any)
			if !ok {
				l.WithField("sshKeyConfig", rk).Warn("Authorized user had an error, ignoring")
				continue
			}

			user, ok := kDef["user"].(string)
			if !ok {
				l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the user field")
				continue
			}

			switch v := kDef["keys"].(type) {
			case string:
				if err := ssh.AddAuthorizedKey(user, v); err != nil {
					l.WithError(err).WithField("sshKeyConfig", rk).WithField("sshKey", v).Warn("Failed to authorize key")
				}

			case []any:
				for _, subK := range v {
					sk, ok := subK.(string)
					if !ok {
						l.WithField("sshKeyConfig", rk).WithField("sshKey", subK).Warn("Did not understand ssh key")
						continue
					}

					if err := ssh.AddAuthorizedKey(user, sk); err != nil {
						l.WithError(err).WithField("sshKeyConfig", sk).Warn("Failed to authorize key")
					}
				}

			default:
				l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the keys field or was not understood")
			}
		}
	} else {
		l.Info("no ssh users to authorize")
	}

	ssh.Stop()
	if !c.GetBool("sshd.enabled", false) {
		return nil, nil
	}

	return func() {
		if err := ssh.Run(listen); err != nil {
			l.WithError(err).WithField("sshListen", listen).Warn("Failed to run the SSH server")
		}
	}, nil
}

// sshConsole carries what the console commands operate on.
type sshConsole struct {
	l            *logrus.Logger
	dev          *Device
	pool         *mem.Pool
	regs         hw.Registers
	buildVersion string
}

func attachCommands(l *logrus.Logger, ssh *sshd.SSHServer, dev *Device, pool *mem.Pool, regs hw.Registers, buildVersion string) {
	sc := &sshConsole{l: l, dev: dev, pool: pool, regs: regs, buildVersion: buildVersion}
	for _, cmd := range sc.commands() {
		ssh.RegisterCommand(cmd)
	}
}

func (sc *sshConsole) commands() []*sshd.Command {
	return []*sshd.Command{
		{
			Name:             "gpu",
			ShortDescription: "Prints the control registers",
			Callback:         sc.gpu,
		},
		{
			Name:             "ring",
			ShortDescription: "Dumps the ring buffer",
			Help:             "Words are printed from the start of the ring, the cursor is marked with >.",
			Flags: func() (*flag.FlagSet, any) {
				fl := flag.NewFlagSet("", flag.ContinueOnError)
				s := sshRingFlags{}
				fl.BoolVar(&s.Disassemble, "d", false, "decode the ring into instructions")
				fl.BoolVar(&s.Used, "used", false, "stop at the cursor")
				return fl, &s
			},
			Callback: sc.ring,
		},
		{
			Name:             "mm",
			ShortDescription: "Lists the free and used ranges of every memory arena",
			Callback:         sc.mm,
		},
		{
			Name:             "busy",
			ShortDescription: "Prints the units that report busy",
			Callback:         sc.busy,
		},
		{
			Name:             "status",
			ShortDescription: "Prints the stream controller state and fence counters",
			Callback:         sc.status,
		},
		{
			Name:             "reset",
			ShortDescription: "Soft resets the device",
			Help:             "Submissions in flight are not completed, use recover to abandon them.",
			Callback: func(fs any, a []string, w sshd.StringWriter) error {
				sc.dev.Reset()
				return w.WriteLine("Device reset")
			},
		},
		{
			Name:             "recover",
			ShortDescription: "Resets the device and abandons everything in flight",
			Callback: func(fs any, a []string, w sshd.StringWriter) error {
				sc.dev.RecoverHangup()
				st := sc.dev.Status()
				return w.Printf("Recovered, abandoned fences (%d, %d]\n", st.AbandonedFrom, st.AbandonedTo)
			},
		},
		{
			Name:             "selftest",
			ShortDescription: "Runs the register and interrupt self test on an idle device",
			Flags:            timeoutFlags,
			Callback:         sc.selftest,
		},
		{
			Name:             "submit-nop",
			ShortDescription: "Submits a job that only writes SYNC_1 and waits for it",
			Flags: func() (*flag.FlagSet, any) {
				fl := flag.NewFlagSet("", flag.ContinueOnError)
				s := sshSubmitNopFlags{}
				fl.DurationVar(&s.Timeout, "timeout", time.Second, "how long to wait for the fence")
				fl.UintVar(&s.Value, "value", nopPattern, "value written to SYNC_1")
				return fl, &s
			},
			Callback: sc.submitNop,
		},
		{
			Name:             "save-dump",
			ShortDescription: "Saves a snapshot of the device state to the provided path",
			Flags: func() (*flag.FlagSet, any) {
				fl := flag.NewFlagSet("", flag.ContinueOnError)
				s := sshSaveDumpFlags{}
				fl.BoolVar(&s.Text, "text", false, "write the readable form instead of the binary snapshot")
				return fl, &s
			},
			Callback: sc.saveDump,
		},
		{
			Name:             "log-level",
			ShortDescription: "Gets or sets the current log level",
			Callback:         sc.logLevel,
		},
		{
			Name:             "log-format",
			ShortDescription: "Gets or sets the current log format",
			Callback:         sc.logFormat,
		},
		{
			Name:             "version",
			ShortDescription: "Prints the driver and hardware versions",
			Callback: func(fs any, a []string, w sshd.StringWriter) error {
				v := sc.dev.Version()
				return w.Printf("dnx %s, device %#x rev %d.%d\n", sc.buildVersion, v.Device, v.Hardware, v.VCS)
			},
		},
		{
			Name:             "reload",
			ShortDescription: "Reloads configuration from disk, same as sending HUP to the process",
			Callback:         sshReload,
		},
	}
}

func timeoutFlags() (*flag.FlagSet, any) {
	fl := flag.NewFlagSet("", flag.ContinueOnError)
	s := sshTimeoutFlags{}
	fl.DurationVar(&s.Timeout, "timeout", time.Second, "how long to wait for each step")
	return fl, &s
}

func (sc *sshConsole) gpu(fs any, a []string, w sshd.StringWriter) error {
	for _, r := range sc.dev.Registers() {
		if err := w.Printf("%-16v %08x\n", r.Register, r.Value); err != nil {
			return err
		}
	}
	return nil
}

func (sc *sshConsole) ring(fs any, a []string, w sshd.StringWriter) error {
	flags, ok := fs.(*sshRingFlags)
	if !ok {
		return errors.New("unexpected flags")
	}

	if flags.Disassemble {
		for _, line := range sc.dev.RingDisassembly() {
			if err := w.WriteLine(line); err != nil {
				return err
			}
		}
		return nil
	}

	base, words, cursor := sc.dev.RingWords()
	if err := w.Printf("base %v size %d cursor %d\n", base, len(words)*hw.WordSize, cursor); err != nil {
		return err
	}

	end := len(words)
	if flags.Used {
		end = int(cursor / hw.WordSize)
	}

	for i := 0; i < end; i += 4 {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%v:", base+hw.Addr(i*hw.WordSize))
		for j := i; j < i+4 && j < end; j++ {
			mark := " "
			if uint32(j*hw.WordSize) == cursor {
				mark = ">"
			}
			fmt.Fprintf(&sb, "%s%08x", mark, words[j])
		}
		if err := w.WriteLine(sb.String()); err != nil {
			return err
		}
	}
	return nil
}

func (sc *sshConsole) mm(fs any, a []string, w sshd.StringWriter) error {
	for _, e := range sc.pool.Extents() {
		state := "free"
		if e.Used {
			state = fmt.Sprintf("handle %d refs %d", e.Handle, e.Refs)
		}

		line := fmt.Sprintf("%-8s %v-%v %8d %s", e.Arena, e.Addr, e.Addr+hw.Addr(e.Size), e.Size, state)
		if err := w.WriteLine(line); err != nil {
			return err
		}
	}
	return nil
}

func (sc *sshConsole) busy(fs any, a []string, w sshd.StringWriter) error {
	b := hw.Busy(sc.regs.Read32(hw.RegBusy))
	names := b.Names()
	if len(names) == 0 {
		return w.WriteLine("idle")
	}
	return w.WriteLine(strings.Join(names, " "))
}

func (sc *sshConsole) status(fs any, a []string, w sshd.StringWriter) error {
	st := sc.dev.Status()
	state := "idle"
	if st.Running {
		state = "running"
	}

	lines := []string{
		fmt.Sprintf("stream controller: %s", state),
		fmt.Sprintf("next:      %d", st.Next),
		fmt.Sprintf("active:    %d", st.Active),
		fmt.Sprintf("completed: %d", st.Completed),
		fmt.Sprintf("retired:   %d", st.Retired),
		fmt.Sprintf("in flight: %d", st.InFlight),
		fmt.Sprintf("last irq:  %v", sc.dev.LastIRQ()),
	}
	if st.AbandonedTo != st.AbandonedFrom {
		lines = append(lines, fmt.Sprintf("abandoned: (%d, %d]", st.AbandonedFrom, st.AbandonedTo))
	}

	return w.WriteLine(strings.Join(lines, "\n"))
}

func (sc *sshConsole) selftest(fs any, a []string, w sshd.StringWriter) error {
	flags, ok := fs.(*sshTimeoutFlags)
	if !ok {
		return errors.New("unexpected flags")
	}

	if err := sc.dev.SelfTest(context.Background(), flags.Timeout); err != nil {
		return err
	}
	return w.WriteLine("Self test passed")
}

func (sc *sshConsole) submitNop(fs any, a []string, w sshd.StringWriter) error {
	flags, ok := fs.(*sshSubmitNopFlags)
	if !ok {
		return errors.New("unexpected flags")
	}

	o, err := sc.pool.Allocate(mem.PageSize, mem.ArenaVideo)
	if err != nil {
		return err
	}
	defer sc.pool.Close(o.Handle)

	enc := stream.NewEncoder(o.Window, 0)
	enc.WriteReg(hw.RegSync1, uint32(flags.Value))
	enc.Jump(0)
	jump := o.Addr + hw.Addr(enc.Cursor()) - hw.WordSize

	started := time.Now()
	f, err := sc.dev.Submit(o.Addr, jump, []mem.Handle{o.Handle})
	if err != nil {
		return err
	}

	if err := sc.dev.Wait(context.Background(), f, flags.Timeout); err != nil {
		return fmt.Errorf("fence %d: %w", f, err)
	}

	return w.Printf("Fence %d completed in %s\n", f, time.Since(started))
}

func (sc *sshConsole) saveDump(fs any, a []string, w sshd.StringWriter) error {
	flags, ok := fs.(*sshSaveDumpFlags)
	if !ok {
		return errors.New("unexpected flags")
	}

	if len(a) == 0 {
		return w.WriteLine("No path to save the dump to was provided")
	}

	s := sc.dev.Snapshot()
	if flags.Text {
		f, err := os.Create(a[0])
		if err != nil {
			return fmt.Errorf("unable to create dump file: %w", err)
		}
		if err := s.WriteText(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	} else if err := s.Save(a[0]); err != nil {
		return fmt.Errorf("unable to save dump: %w", err)
	}

	return w.Printf("Dump written to %s\n", a[0])
}

func (sc *sshConsole) logLevel(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.Printf("Log level is: %s\n", sc.l.Level)
	}

	level, err := logrus.ParseLevel(a[0])
	if err != nil {
		return w.Printf("Unknown log level %s. Possible log levels: %s\n", a, logrus.AllLevels)
	}

	sc.l.SetLevel(level)
	return w.Printf("Log level is: %s\n", sc.l.Level)
}

func (sc *sshConsole) logFormat(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.Printf("Log format is: %s\n", reflect.TypeOf(sc.l.Formatter))
	}

	logFormat := strings.ToLower(a[0])
	switch logFormat {
	case "text":
		sc.l.Formatter = &logrus.TextFormatter{}
	case "json":
		sc.l.Formatter = &logrus.JSONFormatter{}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", logFormat, []string{"text", "json"})
	}

	return w.Printf("Log format is: %s\n", reflect.TypeOf(sc.l.Formatter))
}

func sshReload(fs any, a []string, w sshd.StringWriter) error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return w.WriteLine(err.Error())
	}
	err = p.Signal(syscall.SIGHUP)
	if err != nil {
		return w.WriteLine(err.Error())
	}
	return w.WriteLine("HUP sent")
}
