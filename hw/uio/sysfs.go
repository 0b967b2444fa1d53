package uio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultSysfsRoot is where the kernel lists UIO devices.
const DefaultSysfsRoot = "/sys/class/uio"

var ErrNotFound = errors.New("uio device not found")

// Map is one memory region a UIO device exports.
type Map struct {
	Index  int
	Name   string
	Addr   uint64
	Size   uint64
	Offset uint64
}

// Find returns the uioN node whose driver name is name.
func Find(root, name string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}

	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "uio") {
			continue
		}

		n, err := readString(filepath.Join(root, e.Name(), "name"))
		if err != nil {
			continue
		}
		if n == name {
			return e.Name(), nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// ReadMaps lists the memory regions of node, ordered by index.
func ReadMaps(root, node string) ([]Map, error) {
	dir := filepath.Join(root, node, "maps")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var maps []Map
	for _, e := range entries {
		idx, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "map"))
		if err != nil || !strings.HasPrefix(e.Name(), "map") {
			continue
		}

		m := Map{Index: idx}
		p := filepath.Join(dir, e.Name())

		// name is optional, older kernels do not export it
		m.Name, _ = readString(filepath.Join(p, "name"))

		if m.Addr, err = readHex(filepath.Join(p, "addr")); err != nil {
			return nil, err
		}
		if m.Size, err = readHex(filepath.Join(p, "size")); err != nil {
			return nil, err
		}
		if m.Offset, err = readHex(filepath.Join(p, "offset")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		maps = append(maps, m)
	}

	sort.Slice(maps, func(i, j int) bool {
		return maps[i].Index < maps[j].Index
	})
	return maps, nil
}

func readString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func readHex(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}
