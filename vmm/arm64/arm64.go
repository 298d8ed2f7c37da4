// Package arm64 implements the arm64 backend of the paging writer. Low-half
// addresses (bits [63:48] all clear, the TTBR0 range) and high-half
// addresses (bits [63:48] all set, the TTBR1 range) share the same 4-level,
// 512-entry-per-table radix shape, and a single Context - one table tree
// with one root - accepts both. The backend does not keep separate TTBR0
// and TTBR1 roots: RootPhys returns that one root, exactly as the x86-64
// backend hands over a single CR3.
//
// Entry bit layout grounded on iansmith-mazarin/src/mazboot/golang/main/mmu.go
// (PTE_VALID, PTE_TABLE, PTE_AF, PTE_UXN/PTE_PXN, MAIR indices).
package arm64

import (
	"kboot/internal/kernel"
	"kboot/platform"
	"kboot/vmm"
)

const (
	flagValid   = 1 << 0
	flagTable   = 1 << 1 // also doubles as the "block, not table" disambiguator at L2
	flagAF      = 1 << 10
	flagUXN     = 1 << 54
	flagPXN     = 1 << 53
	shareInner  = 3 << 8
	attrNormal  = 0 << 2 // MAIR index 0: normal, write-back cacheable
	attrDevice  = 1 << 2 // MAIR index 1: device-nGnRnE
	apRWEL1     = 0 << 6
	apRWRO      = 2 << 6 // AP[2:1] read-only at both EL0/EL1
	physMask    = 0x0000_FFFF_FFFF_F000
)

type encoding struct{}

func (encoding) Present(entry uint64) bool { return entry&flagValid != 0 }

// IsLarge distinguishes an L2 block descriptor (bits[1:0] = 0b01) from an
// L2 table descriptor (bits[1:0] = 0b11); both have the valid bit set.
func (encoding) IsLarge(entry uint64) bool {
	return entry&flagValid != 0 && entry&flagTable == 0
}

func (encoding) EntryPhys(entry uint64) uint64 { return entry & physMask }

func (encoding) BuildTableEntry(phys uint64) uint64 {
	return phys | flagValid | flagTable
}

func (encoding) BuildLeafEntry(phys uint64, attrs vmm.PageAttrs, large bool) uint64 {
	entry := phys | flagValid | flagAF | shareInner
	if large {
		// L2 block descriptors use bits[1:0] = 0b01 (table bit clear);
		// L3 page descriptors require bits[1:0] = 0b11.
	} else {
		entry |= flagTable
	}
	if attrs.Device {
		entry |= attrDevice
	} else {
		entry |= attrNormal
	}
	if attrs.Writable {
		entry |= apRWEL1
	} else {
		entry |= apRWRO
	}
	if !attrs.Executable {
		entry |= flagUXN | flagPXN
	}
	return entry
}

// Canonical accepts the two 48-bit arm64 ranges: bits [63:48] all clear
// (the TTBR0, low range) or all set (the TTBR1, high range). Any other
// value of bits [63:48] is rejected.
func (encoding) Canonical(virt uint64) bool {
	top := virt >> 48
	return top == 0 || top == 0xFFFF
}

// NewContext builds a fresh paging context over a single root table that
// holds both low-half and high-half mappings.
func NewContext(mem *platform.PhysMemory, alloc vmm.FrameAllocFn, onTableAlloc func(uint64)) (vmm.Context, *kernel.Error) {
	return vmm.NewGenericContext(mem, alloc, encoding{}, onTableAlloc)
}
