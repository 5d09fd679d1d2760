package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidName = errors.New("invalid netbios name")

// Name is a NetBIOS name: up to 15 bytes of name, a one byte suffix identifying the
// service, and an optional dotted scope.
type Name struct {
	Base   string
	Suffix byte
	Scope  string
}

// ParseName splits a dotted fqdn into a NetBIOS name and scope, e.g. "foobar.example.com"
// becomes FOOBAR with scope example.com.
func ParseName(fqdn string, suffix byte) (Name, error) {
	base, scope, _ := strings.Cut(fqdn, ".")
	n := Name{
		Base:   strings.ToUpper(strings.TrimRight(base, " ")),
		Suffix: suffix,
		Scope:  scope,
	}
	if err := n.Validate(); err != nil {
		return Name{}, err
	}
	return n, nil
}

// WildcardName is the name node status requests use to ask for every name a node owns.
func WildcardName(scope string) Name {
	return Name{Base: "*" + strings.Repeat("\x00", 14), Scope: scope}
}

func (n Name) IsZero() bool {
	return n.Base == "" && n.Suffix == 0 && n.Scope == ""
}

// Validate checks that the name can be claimed or looked up.
func (n Name) Validate() error {
	if n.Base == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	return n.check()
}

func (n Name) check() error {
	if len(n.Base) > 15 {
		return fmt.Errorf("%w: %q is longer than 15 bytes", ErrInvalidName, n.Base)
	}
	if n.Scope == "" {
		return nil
	}
	for _, label := range strings.Split(n.Scope, ".") {
		if len(label) == 0 || len(label) > maxLabelLen {
			return fmt.Errorf("%w: bad scope label %q in %q", ErrInvalidName, label, n.Scope)
		}
	}
	if n.encodedLen() > maxNameLen {
		return fmt.Errorf("%w: scope %q is too long", ErrInvalidName, n.Scope)
	}
	return nil
}

// String is the normalized form used as a map key, e.g. FOOBAR<20>.example.com
func (n Name) String() string {
	s := fmt.Sprintf("%s<%02x>", strings.TrimRight(n.Base, "\x00"), n.Suffix)
	if n.Scope != "" {
		s += "." + n.Scope
	}
	return s
}

// padded is the 16 byte form: the name padded with spaces, followed by the suffix.
func (n Name) padded() [16]byte {
	var raw [16]byte
	copy(raw[:15], strings.Repeat(" ", 15))
	copy(raw[:15], n.Base)
	raw[15] = n.Suffix
	return raw
}

func (n Name) encodedLen() int {
	l := 1 + encodedLen + 1
	if n.Scope != "" {
		l += len(n.Scope) + 1
	}
	return l
}

// appendEncoded writes the uncompressed wire form: the first-level encoded name label,
// each scope label, and the terminating zero.
func (n Name) appendEncoded(b []byte) []byte {
	b = append(b, encodedLen)
	for _, c := range n.padded() {
		b = append(b, 'A'+c>>4, 'A'+c&0x0F)
	}
	if n.Scope != "" {
		for _, label := range strings.Split(n.Scope, ".") {
			b = append(b, byte(len(label)))
			b = append(b, label...)
		}
	}
	return append(b, 0)
}

func decodeFirstLevel(label []byte) (string, byte, error) {
	var raw [16]byte
	for i := range raw {
		hi, lo := label[2*i]-'A', label[2*i+1]-'A'
		if hi > 0x0F || lo > 0x0F {
			return "", 0, fmt.Errorf("%w: bad first-level encoding %q", ErrMalformed, label)
		}
		raw[i] = hi<<4 | lo
	}
	// names compare case-insensitively, keep them in the form ParseName produces
	for i, c := range raw[:15] {
		if 'a' <= c && c <= 'z' {
			raw[i] = c - 'a' + 'A'
		}
	}
	return strings.TrimRight(string(raw[:15]), " "), raw[15], nil
}

// readName decodes the name starting at off and returns the number of bytes the name
// occupies at off. Pointers are offsets from the start of msg and must point backwards.
func readName(msg []byte, off int) (Name, int, error) {
	var (
		n        Name
		first    = true
		scope    []string
		consumed = -1
		total    = 0
		pos      = off
	)
	for {
		if pos >= len(msg) {
			return Name{}, 0, fmt.Errorf("%w: name at offset %d", ErrTruncated, off)
		}
		l := int(msg[pos])
		switch {
		case l == 0:
			if consumed < 0 {
				consumed = pos + 1 - off
			}
			if first {
				return Name{}, 0, fmt.Errorf("%w: empty name at offset %d", ErrMalformed, off)
			}
			n.Scope = strings.Join(scope, ".")
			return n, consumed, nil
		case l&0xC0 == 0xC0:
			if pos+2 > len(msg) {
				return Name{}, 0, fmt.Errorf("%w: name pointer at offset %d", ErrTruncated, pos)
			}
			ptr := int(binary.BigEndian.Uint16(msg[pos:]) & maxPointer)
			if ptr >= pos {
				return Name{}, 0, fmt.Errorf("%w: forward name pointer %d at offset %d", ErrMalformed, ptr, pos)
			}
			if consumed < 0 {
				consumed = pos + 2 - off
			}
			pos = ptr
		case l&0xC0 != 0:
			return Name{}, 0, fmt.Errorf("%w: reserved label type 0x%02x at offset %d", ErrMalformed, l, pos)
		default:
			if pos+1+l > len(msg) {
				return Name{}, 0, fmt.Errorf("%w: label at offset %d", ErrTruncated, pos)
			}
			total += l + 1
			if total > maxNameLen {
				return Name{}, 0, fmt.Errorf("%w: name at offset %d exceeds %d bytes", ErrMalformed, off, maxNameLen)
			}
			label := msg[pos+1 : pos+1+l]
			if first {
				if l != encodedLen {
					return Name{}, 0, fmt.Errorf("%w: netbios label length %d at offset %d", ErrMalformed, l, pos)
				}
				base, suffix, err := decodeFirstLevel(label)
				if err != nil {
					return Name{}, 0, err
				}
				n.Base, n.Suffix = base, suffix
				first = false
			} else {
				scope = append(scope, string(label))
			}
			pos += 1 + l
		}
	}
}
