package view

import (
	"fmt"

	"github.com/spyglassmod/spyglass/hostmem"
)

// The host's dynamic string is an inline array header over UTF-16
// data; the count includes the terminator.
const (
	stringDataOff  = 0x00
	stringCountOff = 0x08
)

// String reads the dynamic string struct at addr. An empty or nil
// string decodes to "".
func String(img hostmem.Image, addr hostmem.Addr) (string, error) {
	data, err := hostmem.ReadPtr(img, addr+stringDataOff)
	if err != nil {
		return "", fmt.Errorf("view: string header: %w", err)
	}
	count, err := hostmem.ReadI32(img, addr+stringCountOff)
	if err != nil {
		return "", fmt.Errorf("view: string header: %w", err)
	}
	if data.IsZero() || count <= 1 {
		return "", nil
	}
	if count > hostmem.MaxStringLen {
		count = hostmem.MaxStringLen
	}
	// Drop the terminator the count includes.
	s, err := hostmem.ReadWStringN(img, data, int(count-1))
	if err != nil {
		return "", fmt.Errorf("view: string data: %w", err)
	}
	return s, nil
}
