package vmm

import (
	"encoding/binary"

	"kboot/internal/kernel"
	"kboot/platform"
)

// Encoding supplies the architecture-specific bit layout of a page-table
// entry. Everything about the 4-level radix shape (table size, entry count,
// level shifts, large-page level) is identical across amd64 and arm64; only
// this is different, so amd64.NewContext and arm64.NewContext each just
// build a GenericContext with their own Encoding.
type Encoding interface {
	// Present reports whether entry refers to a valid child table or leaf.
	Present(entry uint64) bool
	// IsLarge reports whether a present entry at the large-page level
	// (level 2, 2 MiB pages) is a leaf rather than a pointer to a level-3
	// table.
	IsLarge(entry uint64) bool
	// EntryPhys extracts the physical address a present entry points to.
	EntryPhys(entry uint64) uint64
	// BuildTableEntry builds an entry pointing at an intermediate table.
	BuildTableEntry(phys uint64) uint64
	// BuildLeafEntry builds a leaf entry mapping to phys with the given
	// attributes; large selects a 2 MiB vs. 4 KiB leaf.
	BuildLeafEntry(phys uint64, attrs PageAttrs, large bool) uint64
	// Canonical reports whether virt lies in an address range this
	// architecture's MMU can translate through this context (e.g. the
	// sign-extended high bits for amd64 canonical addresses, or the
	// TTBR0/TTBR1 split ranges for arm64).
	Canonical(virt uint64) bool
}

var levelShifts = [4]uint{39, 30, 21, 12}

// largePageLevel is the table level (0-indexed) whose entries may be 2 MiB
// leaves instead of pointers to the next level.
const largePageLevel = 2

// GenericContext implements Context over any 4-level, 512-entry-per-table
// radix page table by delegating entry encoding to an Encoding.
type GenericContext struct {
	mem          *platform.PhysMemory
	root         uint64
	alloc        FrameAllocFn
	enc          Encoding
	onTableAlloc func(phys uint64)
}

// NewGenericContext allocates the root table frame and returns a fresh,
// empty paging context.
func NewGenericContext(mem *platform.PhysMemory, alloc FrameAllocFn, enc Encoding, onTableAlloc func(uint64)) (*GenericContext, *kernel.Error) {
	root, err := alloc()
	if err != nil {
		return nil, err
	}
	mem.Zero(root, TableSize)
	if onTableAlloc != nil {
		onTableAlloc(root)
	}
	return &GenericContext{mem: mem, root: root, alloc: alloc, enc: enc, onTableAlloc: onTableAlloc}, nil
}

func (c *GenericContext) RootPhys() uint64 { return c.root }

func levelIndex(virt uint64, level int) uint64 {
	return (virt >> levelShifts[level]) & (EntriesPerTable - 1)
}

func (c *GenericContext) readEntry(table uint64, idx uint64) uint64 {
	var buf [8]byte
	c.mem.ReadAt(table+idx*8, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

func (c *GenericContext) writeEntry(table uint64, idx uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	c.mem.WriteAt(table+idx*8, buf[:])
}

// descend walks from the root through levels [0, uptoLevel), allocating
// missing intermediate tables when create is true. It returns the table
// physical address at uptoLevel. ok is false if a table was missing and
// create was false, or if the walk hit an unexpected large-page leaf.
func (c *GenericContext) descend(virt uint64, uptoLevel int, create bool) (table uint64, err *kernel.Error, ok bool) {
	table = c.root
	for lvl := 0; lvl < uptoLevel; lvl++ {
		idx := levelIndex(virt, lvl)
		entry := c.readEntry(table, idx)
		if !c.enc.Present(entry) {
			if !create {
				return 0, nil, false
			}
			newTable, allocErr := c.alloc()
			if allocErr != nil {
				return 0, allocErr, false
			}
			c.mem.Zero(newTable, TableSize)
			if c.onTableAlloc != nil {
				c.onTableAlloc(newTable)
			}
			c.writeEntry(table, idx, c.enc.BuildTableEntry(newTable))
			table = newTable
			continue
		}
		if lvl == largePageLevel && c.enc.IsLarge(entry) {
			return 0, nil, false
		}
		table = c.enc.EntryPhys(entry)
	}
	return table, nil, true
}

// Map implements Context.Map (spec §4.2).
func (c *GenericContext) Map(virt, phys, size uint64, attrs PageAttrs) (bool, *kernel.Error) {
	if virt%PageSize != 0 || phys%PageSize != 0 || size%PageSize != 0 {
		return false, ErrUnaligned
	}
	if size == 0 {
		return true, nil
	}
	if !c.enc.Canonical(virt) || !c.enc.Canonical(virt+size-1) {
		return false, nil
	}

	v, p, remaining := virt, phys, size
	for remaining > 0 {
		if remaining >= LargePage && v%LargePage == 0 && p%LargePage == 0 {
			table, err, ok := c.descend(v, largePageLevel, true)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			c.writeEntry(table, levelIndex(v, largePageLevel), c.enc.BuildLeafEntry(p, attrs, true))
			v += LargePage
			p += LargePage
			remaining -= LargePage
			continue
		}

		table, err, ok := c.descend(v, largePageLevel+1, true)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		c.writeEntry(table, levelIndex(v, largePageLevel+1), c.enc.BuildLeafEntry(p, attrs, false))
		v += PageSize
		p += PageSize
		remaining -= PageSize
	}
	return true, nil
}

// Translate implements Context.Translate, honouring large-page leaves.
func (c *GenericContext) Translate(virt uint64) (uint64, bool) {
	table, _, ok := c.descend(virt, largePageLevel, false)
	if !ok {
		return 0, false
	}
	entry := c.readEntry(table, levelIndex(virt, largePageLevel))
	if !c.enc.Present(entry) {
		return 0, false
	}
	if c.enc.IsLarge(entry) {
		return c.enc.EntryPhys(entry) + (virt & (LargePage - 1)), true
	}

	l3Table := c.enc.EntryPhys(entry)
	entry3 := c.readEntry(l3Table, levelIndex(virt, largePageLevel+1))
	if !c.enc.Present(entry3) {
		return 0, false
	}
	return c.enc.EntryPhys(entry3) + (virt & (PageSize - 1)), true
}

func (c *GenericContext) IsMapped(virt uint64) bool {
	_, ok := c.Translate(virt)
	return ok
}

func (c *GenericContext) Memset(virt uint64, b byte, size uint64) bool {
	v, remaining := virt, size
	for remaining > 0 {
		phys, ok := c.Translate(v)
		if !ok {
			return false
		}
		chunk := PageSize - (v % PageSize)
		if chunk > remaining {
			chunk = remaining
		}
		c.mem.Fill(phys, b, chunk)
		v += chunk
		remaining -= chunk
	}
	return true
}

func (c *GenericContext) MemcpyTo(virt uint64, src []byte) bool {
	v := virt
	remaining := uint64(len(src))
	offset := uint64(0)
	for remaining > 0 {
		phys, ok := c.Translate(v)
		if !ok {
			return false
		}
		chunk := PageSize - (v % PageSize)
		if chunk > remaining {
			chunk = remaining
		}
		c.mem.WriteAt(phys, src[offset:offset+chunk])
		v += chunk
		offset += chunk
		remaining -= chunk
	}
	return true
}

func (c *GenericContext) MemcpyFrom(dst []byte, virt uint64) bool {
	v := virt
	remaining := uint64(len(dst))
	offset := uint64(0)
	for remaining > 0 {
		phys, ok := c.Translate(v)
		if !ok {
			return false
		}
		chunk := PageSize - (v % PageSize)
		if chunk > remaining {
			chunk = remaining
		}
		c.mem.ReadAt(phys, dst[offset:offset+chunk])
		v += chunk
		offset += chunk
		remaining -= chunk
	}
	return true
}
