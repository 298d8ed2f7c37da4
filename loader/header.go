// Package loader implements the wired-page loader (spec.md §4.6) and the
// overall loader driver (§4.10) that orchestrates every other component in
// order and hands off to the architecture trampoline.
package loader

import (
	"encoding/binary"

	"kboot/internal/kernel"
)

// HeaderSize is the number of bytes read from the start of the image.
const HeaderSize = 512

var magic = [16]byte{0, 'M', 'e', 'z', 'z', 'a', 'n', 'i', 'n', 'e', 'I', 'm', 'a', 'g', 'e', 0}

// Header is the decoded on-disk image header (spec §3).
type Header struct {
	UUID                [16]byte
	ProtocolMajor       uint16
	ProtocolMinor       uint16
	EntryFref           uint64
	InitialProcess      uint64
	Nil                 uint64
	Architecture        uint8
	InitialStackPointer uint64
	BML4                uint64
	FreelistHead        uint64
}

const (
	ArchAMD64 = 1
	ArchARM64 = 2
)

// ParseHeader decodes a 512-byte header buffer, validating the magic.
func ParseHeader(buf []byte) (Header, *kernel.Error) {
	if len(buf) < HeaderSize {
		return Header{}, kernel.NewError("loader", "header buffer shorter than 512 bytes")
	}
	var h Header
	if string(buf[0:16]) != string(magic[:]) {
		return Header{}, kernel.NewError("loader", "image magic mismatch")
	}
	copy(h.UUID[:], buf[16:32])
	h.ProtocolMajor = binary.LittleEndian.Uint16(buf[32:34])
	h.ProtocolMinor = binary.LittleEndian.Uint16(buf[34:36])
	h.EntryFref = binary.LittleEndian.Uint64(buf[40:48])
	h.InitialProcess = binary.LittleEndian.Uint64(buf[48:56])
	h.Nil = binary.LittleEndian.Uint64(buf[56:64])
	h.Architecture = buf[64]
	h.InitialStackPointer = binary.LittleEndian.Uint64(buf[72:80])
	h.BML4 = binary.LittleEndian.Uint64(buf[96:104])
	h.FreelistHead = binary.LittleEndian.Uint64(buf[104:112])
	return h, nil
}

// SupportedMinor is the loader's own supported protocol minor version.
const SupportedMinor = 0

// CheckProtocol implements spec §4.10 step 2's gate: major 0 requires an
// exact minor match; any later major requires minor to be no newer than
// what this loader supports.
func CheckProtocol(h Header) bool {
	if h.ProtocolMajor == 0 {
		return h.ProtocolMinor == SupportedMinor
	}
	return h.ProtocolMinor <= SupportedMinor
}
