// Package config loads the daemon's YAML configuration and hands out typed
// values by dotted key path, with defaults for anything unset or malformed.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path      string
	Settings  map[string]any
	previous  map[string]any
	callbacks []func(*C)
	l         *logrus.Logger
	reloading sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, or every .yaml/.yml file below it in lexical order, and
// merges the documents. Later files win on scalar keys, lists are appended.
func (c *C) Load(path string) error {
	c.path = path

	files, err := collect(path)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	merged := map[string]any{}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}

		var doc map[string]any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
		if err := mergo.Merge(&doc, merged, mergo.WithAppendSlice); err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		merged = doc
	}

	c.Settings = merged
	return nil
}

func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	c.Settings = doc
	return nil
}

// collect returns path itself when it is a file, whatever its extension, or
// the yaml files below it when it is a directory.
func collect(path string) ([]string, error) {
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	i, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !i.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("problem while reading %s: %w", p, err)
		}
		switch filepath.Ext(p) {
		case ".yaml", ".yml":
			if !e.IsDir() {
				files = append(files, p)
			}
		}
		return nil
	})
	return files, err
}

// RegisterReloadCallback adds f to the functions run after a successful
// reload. Callbacks should use HasChanged to skip work and must not block.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// HasChanged reports whether k rendered differently before the last reload.
// An empty k compares the whole document. Nothing has changed before the
// first reload.
func (c *C) HasChanged(k string) bool {
	if c.previous == nil {
		return false
	}

	if k == "" {
		return c.render("all settings", c.Settings) != c.render("all settings", c.previous)
	}
	return c.render(k, lookup(c.Settings, k)) != c.render(k, lookup(c.previous, k))
}

func (c *C) render(k string, v any) string {
	b, err := yaml.Marshal(v)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling config")
	}
	return string(b)
}

// CatchHUP reloads the config from the original path every time the process
// receives SIGHUP, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig loads the original path again and runs the callbacks. The old
// settings stay in effect if the files can not be read.
func (c *C) ReloadConfig() {
	err := c.reload(func() error { return c.Load(c.path) })
	if err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
	}
}

// ReloadConfigString replaces the settings with raw and runs the callbacks.
func (c *C) ReloadConfigString(raw string) error {
	return c.reload(func() error { return c.LoadString(raw) })
}

func (c *C) reload(load func() error) error {
	c.reloading.Lock()
	defer c.reloading.Unlock()

	current := c.Settings
	if err := load(); err != nil {
		c.Settings = current
		return err
	}
	c.previous = current

	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

func (c *C) Get(k string) any {
	return lookup(c.Settings, k)
}

func lookup(v any, k string) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		if v, ok = m[p]; !ok {
			return nil
		}
	}
	return v
}

// scalar renders the value at k as text.
func (c *C) scalar(k string) (string, bool) {
	v := c.Get(k)
	if v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

func (c *C) GetString(k, d string) string {
	if s, ok := c.scalar(k); ok {
		return s
	}
	return d
}

// GetStringSlice returns the list at k with every element rendered as text.
func (c *C) GetStringSlice(k string, d []string) []string {
	l, ok := c.Get(k).([]any)
	if !ok {
		return d
	}

	out := make([]string, 0, len(l))
	for _, v := range l {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

// GetInt accepts decimal and 0x prefixed hex values.
func (c *C) GetInt(k string, d int) int {
	s, ok := c.scalar(k)
	if !ok {
		return d
	}

	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil || v > math.MaxInt || v < math.MinInt {
		return d
	}
	return int(v)
}

func (c *C) GetUint32(k string, d uint32) uint32 {
	s, ok := c.scalar(k)
	if !ok {
		return d
	}

	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return d
	}
	return uint32(v)
}

var byteUnits = []struct {
	suffix string
	shift  uint
}{
	{"KiB", 10},
	{"MiB", 20},
	{"GiB", 30},
	{"K", 10},
	{"M", 20},
	{"G", 30},
}

// GetByteSize reads a size such as 4096, 0x1000, 64KiB or 16M. The default d
// is returned when k is unset, malformed or does not fit in 32 bits.
func (c *C) GetByteSize(k string, d uint32) uint32 {
	s, ok := c.scalar(k)
	if !ok {
		return d
	}

	s = strings.TrimSpace(s)
	shift := uint(0)
	for _, u := range byteUnits {
		if n, found := strings.CutSuffix(s, u.suffix); found {
			s, shift = strings.TrimSpace(n), u.shift
			break
		}
	}

	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil || v<<shift > math.MaxUint32 {
		return d
	}
	return uint32(v << shift)
}

// GetBool also understands y/yes/on and n/no/off in any case.
func (c *C) GetBool(k string, d bool) bool {
	s, ok := c.scalar(k)
	if !ok {
		return d
	}

	switch strings.ToLower(s) {
	case "y", "yes", "on":
		return true
	case "n", "no", "off":
		return false
	}

	v, err := strconv.ParseBool(s)
	if err != nil {
		return d
	}
	return v
}

func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	s, ok := c.scalar(k)
	if !ok {
		return d
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return d
	}
	return v
}
