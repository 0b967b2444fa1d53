package sshd

import (
	"errors"
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/armon/go-radix"
)

// CommandFlags returns a fresh flag set and the struct its flags are bound
// to. It is called once per invocation and for help output.
type CommandFlags func() (*flag.FlagSet, any)

// CommandCallback runs a command. fs is the struct from Command.Flags, if
// any, a holds the arguments left after flag parsing and w talks back to the
// user. A returned error is logged and shown to the user.
type CommandCallback func(fs any, a []string, w StringWriter) error

type Command struct {
	Name             string
	ShortDescription string
	Help             string
	Flags            CommandFlags
	Callback         CommandCallback
}

func execCommand(c *Command, args []string, w StringWriter) error {
	var fs any

	if c.Flags != nil {
		var fl *flag.FlagSet
		fl, fs = c.Flags()
		if fl != nil {
			// parse errors and usage go straight to the user
			fl.SetOutput(w)
			if err := fl.Parse(args); err != nil {
				return err
			}
			args = fl.Args()
		}
	}

	return c.Callback(fs, args, w)
}

func dumpCommands(c *radix.Tree, w StringWriter) {
	if err := w.WriteLine("Available commands:"); err != nil {
		return
	}

	cmds := allCommands(c)
	lines := make([]string, len(cmds))
	for i, cmd := range cmds {
		lines[i] = fmt.Sprintf("%s - %s", cmd.Name, cmd.ShortDescription)
	}
	sort.Strings(lines)

	_ = w.Printf("%s\n\n", strings.Join(lines, "\n"))
}

func lookupCommand(c *radix.Tree, name string) (*Command, error) {
	v, ok := c.Get(name)
	if !ok {
		return nil, nil
	}

	cmd, ok := v.(*Command)
	if !ok {
		return nil, errors.New("failed to cast command")
	}
	return cmd, nil
}

// matchCommand returns the sorted names starting with prefix.
func matchCommand(c *radix.Tree, prefix string) []string {
	var names []string
	c.WalkPrefix(prefix, func(found string, v any) bool {
		names = append(names, found)
		return false
	})
	sort.Strings(names)
	return names
}

func allCommands(c *radix.Tree) []*Command {
	var cmds []*Command
	c.Walk(func(_ string, v any) bool {
		if cmd, ok := v.(*Command); ok {
			cmds = append(cmds, cmd)
		}
		return false
	})
	return cmds
}

func helpCallback(commands *radix.Tree, a []string, w StringWriter) error {
	if len(a) == 0 {
		dumpCommands(commands, w)
		return nil
	}

	cmd, err := lookupCommand(commands, a[0])
	if err != nil {
		return err
	}
	if cmd == nil {
		return w.WriteLine("Command not available " + a[0])
	}

	if err := w.Printf("%s - %s\n", cmd.Name, cmd.ShortDescription); err != nil {
		return err
	}

	if cmd.Help != "" {
		if err := w.WriteLine("  " + cmd.Help); err != nil {
			return err
		}
	}

	if cmd.Flags != nil {
		if fs, _ := cmd.Flags(); fs != nil {
			fs.SetOutput(w)
			fs.PrintDefaults()
		}
	}

	return nil
}

func checkHelpArgs(args []string) bool {
	for _, a := range args {
		if a == "-h" || a == "-help" || a == "--help" {
			return true
		}
	}
	return false
}
