// Package dump encodes diagnostic snapshots of a device: registers, ring
// content, fence counters, submissions in flight and the allocator layout.
//
// Snapshots use the protobuf wire format so they can be inspected with stock
// tooling (protoc --decode_raw) without shipping a schema.
package dump

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of Snapshot.
const (
	tagTaken      protowire.Number = 1
	tagVersion    protowire.Number = 2
	tagRegister   protowire.Number = 3
	tagRingBase   protowire.Number = 4
	tagRingCursor protowire.Number = 5
	tagRing       protowire.Number = 6
	tagNext       protowire.Number = 7
	tagActive     protowire.Number = 8
	tagCompleted  protowire.Number = 9
	tagRetired    protowire.Number = 10
	tagRunning    protowire.Number = 11
	tagInFlight   protowire.Number = 12
	tagExtent     protowire.Number = 13
)

var ErrMalformed = errors.New("malformed snapshot")

type Register struct {
	Index uint32
	Name  string
	Value uint32
}

type Submission struct {
	Fence   uint32
	Start   uint32
	Return  uint32
	Handles []uint32
}

type Extent struct {
	Arena  string
	Addr   uint32
	Size   uint32
	Used   bool
	Handle uint32
	Refs   int32
}

type Snapshot struct {
	Taken      time.Time
	Version    uint32
	Registers  []Register
	RingBase   uint32
	RingCursor uint32
	Ring       []uint32
	Next       uint32
	Active     uint32
	Completed  uint32
	Retired    uint32
	Running    bool
	InFlight   []Submission
	Extents    []Extent
}

func appendVarint(b []byte, n protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, n protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendPacked(b []byte, n protowire.Number, vs []uint32) []byte {
	var p []byte
	for _, v := range vs {
		p = protowire.AppendFixed32(p, v)
	}
	return appendBytes(b, n, p)
}

func (r Register) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(r.Index))
	b = appendBytes(b, 2, []byte(r.Name))
	b = appendVarint(b, 3, uint64(r.Value))
	return b
}

func (s Submission) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(s.Fence))
	b = appendVarint(b, 2, uint64(s.Start))
	b = appendVarint(b, 3, uint64(s.Return))
	if len(s.Handles) > 0 {
		var p []byte
		for _, h := range s.Handles {
			p = protowire.AppendVarint(p, uint64(h))
		}
		b = appendBytes(b, 4, p)
	}
	return b
}

func (e Extent) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, []byte(e.Arena))
	b = appendVarint(b, 2, uint64(e.Addr))
	b = appendVarint(b, 3, uint64(e.Size))
	b = appendVarint(b, 4, protowire.EncodeBool(e.Used))
	b = appendVarint(b, 5, uint64(e.Handle))
	b = appendVarint(b, 6, protowire.EncodeZigZag(int64(e.Refs)))
	return b
}

// Marshal encodes the snapshot.
func (s *Snapshot) Marshal() []byte {
	var b []byte
	b = appendVarint(b, tagTaken, uint64(s.Taken.UnixNano()))
	b = appendVarint(b, tagVersion, uint64(s.Version))
	for _, r := range s.Registers {
		b = appendBytes(b, tagRegister, r.marshal())
	}
	b = appendVarint(b, tagRingBase, uint64(s.RingBase))
	b = appendVarint(b, tagRingCursor, uint64(s.RingCursor))
	b = appendPacked(b, tagRing, s.Ring)
	b = appendVarint(b, tagNext, uint64(s.Next))
	b = appendVarint(b, tagActive, uint64(s.Active))
	b = appendVarint(b, tagCompleted, uint64(s.Completed))
	b = appendVarint(b, tagRetired, uint64(s.Retired))
	b = appendVarint(b, tagRunning, protowire.EncodeBool(s.Running))
	for _, sub := range s.InFlight {
		b = appendBytes(b, tagInFlight, sub.marshal())
	}
	for _, e := range s.Extents {
		b = appendBytes(b, tagExtent, e.marshal())
	}
	return b
}

// fields walks the top level fields of b, calling f with the raw value of
// each varint or length delimited field. Other wire types are skipped.
func fields(b []byte, f func(n protowire.Number, v uint64, p []byte) error) error {
	for len(b) > 0 {
		n, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(l))
		}
		b = b[l:]

		var (
			v uint64
			p []byte
		)
		switch typ {
		case protowire.VarintType:
			v, l = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			p, l = protowire.ConsumeBytes(b)
		default:
			l = protowire.ConsumeFieldValue(n, typ, b)
		}
		if l < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, n, protowire.ParseError(l))
		}
		b = b[l:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := f(n, v, p); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal decodes a snapshot. Unknown fields are ignored.
func Unmarshal(b []byte) (*Snapshot, error) {
	s := &Snapshot{}
	err := fields(b, func(n protowire.Number, v uint64, p []byte) error {
		switch n {
		case tagTaken:
			s.Taken = time.Unix(0, int64(v))
		case tagVersion:
			s.Version = uint32(v)
		case tagRegister:
			var r Register
			err := fields(p, func(n protowire.Number, v uint64, p []byte) error {
				switch n {
				case 1:
					r.Index = uint32(v)
				case 2:
					r.Name = string(p)
				case 3:
					r.Value = uint32(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.Registers = append(s.Registers, r)
		case tagRingBase:
			s.RingBase = uint32(v)
		case tagRingCursor:
			s.RingCursor = uint32(v)
		case tagRing:
			for len(p) > 0 {
				w, l := protowire.ConsumeFixed32(p)
				if l < 0 {
					return fmt.Errorf("%w: ring: %v", ErrMalformed, protowire.ParseError(l))
				}
				s.Ring = append(s.Ring, w)
				p = p[l:]
			}
		case tagNext:
			s.Next = uint32(v)
		case tagActive:
			s.Active = uint32(v)
		case tagCompleted:
			s.Completed = uint32(v)
		case tagRetired:
			s.Retired = uint32(v)
		case tagRunning:
			s.Running = protowire.DecodeBool(v)
		case tagInFlight:
			var sub Submission
			err := fields(p, func(n protowire.Number, v uint64, p []byte) error {
				switch n {
				case 1:
					sub.Fence = uint32(v)
				case 2:
					sub.Start = uint32(v)
				case 3:
					sub.Return = uint32(v)
				case 4:
					for len(p) > 0 {
						h, l := protowire.ConsumeVarint(p)
						if l < 0 {
							return fmt.Errorf("%w: handles: %v", ErrMalformed, protowire.ParseError(l))
						}
						sub.Handles = append(sub.Handles, uint32(h))
						p = p[l:]
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.InFlight = append(s.InFlight, sub)
		case tagExtent:
			var e Extent
			err := fields(p, func(n protowire.Number, v uint64, p []byte) error {
				switch n {
				case 1:
					e.Arena = string(p)
				case 2:
					e.Addr = uint32(v)
				case 3:
					e.Size = uint32(v)
				case 4:
					e.Used = protowire.DecodeBool(v)
				case 5:
					e.Handle = uint32(v)
				case 6:
					e.Refs = int32(protowire.DecodeZigZag(v))
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.Extents = append(s.Extents, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes the encoded snapshot to path.
func (s *Snapshot) Save(path string) error {
	return os.WriteFile(path, s.Marshal(), 0600)
}

// Load reads a snapshot written by Save.
func Load(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(b)
}

// WriteText renders the snapshot for humans.
func (s *Snapshot) WriteText(w io.Writer) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "taken: %s\n", s.Taken.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&sb, "version: 0x%08x\n", s.Version)
	fmt.Fprintf(&sb, "stream controller: running=%v next=%d active=%d completed=%d retired=%d\n",
		s.Running, s.Next, s.Active, s.Completed, s.Retired)

	sb.WriteString("registers:\n")
	for _, r := range s.Registers {
		fmt.Fprintf(&sb, "  %-14s 0x%08x\n", r.Name, r.Value)
	}

	fmt.Fprintf(&sb, "in flight: %d\n", len(s.InFlight))
	for _, sub := range s.InFlight {
		fmt.Fprintf(&sb, "  fence=%d start=0x%08x return=0x%08x handles=%v\n", sub.Fence, sub.Start, sub.Return, sub.Handles)
	}

	sb.WriteString("memory:\n")
	for _, e := range s.Extents {
		state := "free"
		if e.Used {
			state = fmt.Sprintf("handle=%d refs=%d", e.Handle, e.Refs)
		}
		fmt.Fprintf(&sb, "  %-8s 0x%08x +0x%08x %s\n", e.Arena, e.Addr, e.Size, state)
	}

	fmt.Fprintf(&sb, "ring: base=0x%08x cursor=0x%x words=%d\n", s.RingBase, s.RingCursor, len(s.Ring))
	for i := 0; i < len(s.Ring); i += 4 {
		fmt.Fprintf(&sb, "  0x%08x:", s.RingBase+uint32(i*4))
		for j := i; j < i+4 && j < len(s.Ring); j++ {
			fmt.Fprintf(&sb, " %08x", s.Ring[j])
		}
		sb.WriteByte('\n')
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
