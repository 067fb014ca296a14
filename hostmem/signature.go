package hostmem

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Signature scanning
// ---------------------------------------------------------------------------

// Signature is a byte pattern with wildcard positions, parsed from the
// usual IDA-style text form ("48 8B 05 ?? ?? ?? ??").
type Signature struct {
	bytes []byte
	mask  []bool // true = position must match
	text  string
}

// ParseSignature parses an IDA-style pattern. Tokens are two hex digits
// or a wildcard ("??" or "?").
func ParseSignature(text string) (*Signature, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty signature: %w", ErrInvalidParameter)
	}
	s := &Signature{
		bytes: make([]byte, len(fields)),
		mask:  make([]bool, len(fields)),
		text:  text,
	}
	for i, tok := range fields {
		if tok == "??" || tok == "?" {
			continue
		}
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("signature token %q: %w", tok, ErrInvalidParameter)
		}
		s.bytes[i] = byte(v)
		s.mask[i] = true
	}
	return s, nil
}

// MustParseSignature is ParseSignature for package-level pattern tables.
func MustParseSignature(text string) *Signature {
	s, err := ParseSignature(text)
	if err != nil {
		panic(err)
	}
	return s
}

// LiteralSignature builds a signature matching raw bytes exactly.
func LiteralSignature(raw []byte) *Signature {
	s := &Signature{
		bytes: append([]byte(nil), raw...),
		mask:  make([]bool, len(raw)),
	}
	for i := range s.mask {
		s.mask[i] = true
	}
	return s
}

// Len returns the pattern length in bytes.
func (s *Signature) Len() int { return len(s.bytes) }

func (s *Signature) String() string { return s.text }

// Find scans the image's readable regions for the first match and
// returns its address. Returns ErrPatternNotFound if no region matches.
func (s *Signature) Find(img Image) (Addr, error) {
	for _, r := range img.Regions() {
		if !r.Prot.CanRead() || r.Size < uint64(s.Len()) {
			continue
		}
		buf := make([]byte, r.Size)
		if err := img.ReadAt(r.Start, buf); err != nil {
			continue
		}
		if off := s.match(buf); off >= 0 {
			return r.Start + Addr(off), nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s.text, ErrPatternNotFound)
}

func (s *Signature) match(buf []byte) int {
	n := len(s.bytes)
	if n == 0 || len(buf) < n {
		return -1
	}
	limit := len(buf) - n
scan:
	for i := 0; i <= limit; i++ {
		for j := 0; j < n; j++ {
			if s.mask[j] && buf[i+j] != s.bytes[j] {
				continue scan
			}
		}
		return i
	}
	return -1
}

// ResolveRelative resolves a RIP-relative operand: the instruction at
// addr is instrLen bytes long and carries a signed 32-bit displacement
// at addr+dispOffset, relative to the end of the instruction.
func ResolveRelative(img Image, addr Addr, instrLen, dispOffset int) (Addr, error) {
	if addr.IsZero() || instrLen <= 0 || dispOffset < 0 || dispOffset+4 > instrLen {
		return 0, ErrInvalidParameter
	}
	disp, err := ReadI32(img, addr+Addr(dispOffset))
	if err != nil {
		return 0, fmt.Errorf("relative operand at %#x: %w", uint64(addr), err)
	}
	return addr + Addr(instrLen) + Addr(int64(disp)), nil
}
