// Package bootinfo composes the bit-exact boot-information page handed to
// the kernel at entry (spec.md §4.9): a single 4 KiB page carrying the
// image UUID, buddy bin heads, video descriptor, platform pointers, the
// memory map, boot-option flags and the block-map root address.
package bootinfo

import (
	"encoding/binary"

	"kboot/buddy"
	"kboot/fixnum"
	"kboot/memmap"
	"kboot/platform"
)

// Page size and field byte offsets, fixed by the protocol (spec §4.9).
const (
	PageSize = 4096

	offUUID            = 0
	offBuddy32         = 16
	offBuddy64         = 336
	offVideo           = 768
	offACPIRSDP        = 808
	offBootOptions     = 816
	offNMemMapEntries  = 824
	offMemoryMap       = 832
	offEFISystemTable  = 1344
	offFDTAddress      = 1352
	offBlockMapAddress = 1360

	maxMemoryMapEntries = 32
)

// Boot option flag bits (spec §4.9).
const (
	OptForceReadOnly = 0x01
	OptFreestanding  = 0x02
	OptVideoConsole  = 0x04
	OptNoDetect      = 0x08
	OptNoSMP         = 0x10
)

// Inputs bundles everything the composer needs to fill the page.
type Inputs struct {
	UUID            [16]byte
	Buddy32         [buddy.Bins32]buddy.Bin
	Buddy64         [buddy.Bins64]buddy.Bin
	Video           platform.VideoMode
	VideoPresent    bool
	Pointers        platform.PlatformPointers
	BootOptions     uint64
	MemoryMap       *memmap.MemoryMap
	BlockMapAddress uint64
}

func putFixnum(page []byte, offset int, v uint64) {
	binary.LittleEndian.PutUint64(page[offset:offset+8], fixnum.EncodeUint(v))
}

func putRaw(page []byte, offset int, v uint64) {
	binary.LittleEndian.PutUint64(page[offset:offset+8], v)
}

// Compose fills and returns a fresh, zeroed 4 KiB boot-info page.
func Compose(in Inputs) []byte {
	page := make([]byte, PageSize)

	copy(page[offUUID:offUUID+16], in.UUID[:])

	for i, bin := range in.Buddy32 {
		o := offBuddy32 + i*16
		putFixnum(page, o, bin.FirstPage)
		putFixnum(page, o+8, bin.Count)
	}
	for i, bin := range in.Buddy64 {
		o := offBuddy64 + i*16
		putFixnum(page, o, bin.FirstPage)
		putFixnum(page, o+8, bin.Count)
	}

	if in.VideoPresent {
		putFixnum(page, offVideo, in.Video.FramebufferPhys)
		putFixnum(page, offVideo+8, in.Video.Width)
		putFixnum(page, offVideo+16, in.Video.Pitch)
		putFixnum(page, offVideo+24, in.Video.Height)
		putFixnum(page, offVideo+32, in.Video.LayoutID)
	}

	putRaw(page, offACPIRSDP, in.Pointers.ACPIRSDP)
	putRaw(page, offEFISystemTable, in.Pointers.EFISystemTable)
	putRaw(page, offFDTAddress, in.Pointers.FDTAddress)

	putFixnum(page, offBootOptions, in.BootOptions)

	entries := in.MemoryMap.Entries()
	putFixnum(page, offNMemMapEntries, uint64(len(entries)))
	for i, r := range entries {
		if i >= maxMemoryMapEntries {
			break
		}
		o := offMemoryMap + i*16
		putRaw(page, o, r.Start)
		putRaw(page, o+8, r.End)
	}

	putRaw(page, offBlockMapAddress, in.BlockMapAddress)

	return page
}
