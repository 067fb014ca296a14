package hostmem

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"
)

// Typed accessors over an Image. The host is little-endian x86-64, so
// all multi-byte values decode with binary.LittleEndian.

// MaxStringLen bounds string reads so a missing terminator cannot walk
// off into unrelated memory.
const MaxStringLen = 1023

// ReadU8 reads an unsigned byte at addr.
func ReadU8(img Image, addr Addr) (uint8, error) {
	var b [1]byte
	if err := img.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads a little-endian uint16 at addr.
func ReadU16(img Image, addr Addr) (uint16, error) {
	var b [2]byte
	if err := img.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// ReadU32 reads a little-endian uint32 at addr.
func ReadU32(img Image, addr Addr) (uint32, error) {
	var b [4]byte
	if err := img.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadU64 reads a little-endian uint64 at addr.
func ReadU64(img Image, addr Addr) (uint64, error) {
	var b [8]byte
	if err := img.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadI32 reads a little-endian int32 at addr.
func ReadI32(img Image, addr Addr) (int32, error) {
	v, err := ReadU32(img, addr)
	return int32(v), err
}

// ReadI64 reads a little-endian int64 at addr.
func ReadI64(img Image, addr Addr) (int64, error) {
	v, err := ReadU64(img, addr)
	return int64(v), err
}

// ReadF32 reads a little-endian float32 at addr.
func ReadF32(img Image, addr Addr) (float32, error) {
	v, err := ReadU32(img, addr)
	return math.Float32frombits(v), err
}

// ReadF64 reads a little-endian float64 at addr.
func ReadF64(img Image, addr Addr) (float64, error) {
	v, err := ReadU64(img, addr)
	return math.Float64frombits(v), err
}

// ReadBool reads a byte at addr and reports whether it is nonzero.
func ReadBool(img Image, addr Addr) (bool, error) {
	v, err := ReadU8(img, addr)
	return v != 0, err
}

// ReadPtr reads a 64-bit pointer at addr.
func ReadPtr(img Image, addr Addr) (Addr, error) {
	v, err := ReadU64(img, addr)
	return Addr(v), err
}

// ReadCString reads a NUL-terminated byte string at addr, up to maxLen
// characters. The terminator is not included in the result.
func ReadCString(img Image, addr Addr, maxLen int) (string, error) {
	if addr.IsZero() {
		return "", ErrInvalidParameter
	}
	if maxLen <= 0 || maxLen > MaxStringLen {
		maxLen = MaxStringLen
	}
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		c, err := ReadU8(img, addr+Addr(i))
		if err != nil {
			return "", fmt.Errorf("string at %#x: %w", uint64(addr), err)
		}
		if c == 0 {
			break
		}
		buf = append(buf, c)
	}
	return string(buf), nil
}

// ReadWString reads a NUL-terminated UTF-16LE string at addr, up to
// maxLen code units.
func ReadWString(img Image, addr Addr, maxLen int) (string, error) {
	if addr.IsZero() {
		return "", ErrInvalidParameter
	}
	if maxLen <= 0 || maxLen > MaxStringLen {
		maxLen = MaxStringLen
	}
	units := make([]uint16, 0, 64)
	for i := 0; i < maxLen; i++ {
		u, err := ReadU16(img, addr+Addr(i*2))
		if err != nil {
			return "", fmt.Errorf("wide string at %#x: %w", uint64(addr), err)
		}
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units)), nil
}

// ReadWStringN reads exactly n UTF-16LE code units at addr with no
// terminator. Used for length-prefixed name entries.
func ReadWStringN(img Image, addr Addr, n int) (string, error) {
	if addr.IsZero() || n < 0 || n > MaxStringLen {
		return "", ErrInvalidParameter
	}
	raw := make([]byte, n*2)
	if err := img.ReadAt(addr, raw); err != nil {
		return "", err
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

// WriteU8 writes a byte at addr.
func WriteU8(img MutableImage, addr Addr, v uint8) error {
	return img.WriteAt(addr, []byte{v})
}

// WriteU16 writes a little-endian uint16 at addr.
func WriteU16(img MutableImage, addr Addr, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return img.WriteAt(addr, b[:])
}

// WriteU32 writes a little-endian uint32 at addr.
func WriteU32(img MutableImage, addr Addr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return img.WriteAt(addr, b[:])
}

// WriteU64 writes a little-endian uint64 at addr.
func WriteU64(img MutableImage, addr Addr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return img.WriteAt(addr, b[:])
}

// WriteI32 writes a little-endian int32 at addr.
func WriteI32(img MutableImage, addr Addr, v int32) error {
	return WriteU32(img, addr, uint32(v))
}

// WriteI64 writes a little-endian int64 at addr.
func WriteI64(img MutableImage, addr Addr, v int64) error {
	return WriteU64(img, addr, uint64(v))
}

// WriteF32 writes a little-endian float32 at addr.
func WriteF32(img MutableImage, addr Addr, v float32) error {
	return WriteU32(img, addr, math.Float32bits(v))
}

// WriteF64 writes a little-endian float64 at addr.
func WriteF64(img MutableImage, addr Addr, v float64) error {
	return WriteU64(img, addr, math.Float64bits(v))
}

// WriteBool writes v as a single byte at addr.
func WriteBool(img MutableImage, addr Addr, v bool) error {
	var b uint8
	if v {
		b = 1
	}
	return WriteU8(img, addr, b)
}

// WritePtr writes a 64-bit pointer at addr.
func WritePtr(img MutableImage, addr Addr, v Addr) error {
	return WriteU64(img, addr, uint64(v))
}
