package loader

import (
	"kboot/blockmap"
	"kboot/internal/kernel"
	"kboot/pageinfo"
	"kboot/vmm"
)

const pageSize = uint64(4096)

// chunkSize is the size of one page-chunk allocation (spec §4.6,
// "Page chunks"): large enough to avoid allocating one 4 KiB page per
// kernel page, which overwhelms some EFI firmwares.
const chunkSize = uint64(8) << 20

// pageMapper is the subset of vmm.Context the wired loader needs.
type pageMapper interface {
	Map(virt, phys, size uint64, attrs vmm.PageAttrs) (bool, *kernel.Error)
	Memset(virt uint64, b byte, size uint64) bool
	MemcpyTo(virt uint64, src []byte) bool
}

// chunk tracks the remaining slots of one 8 MiB page-chunk allocation.
type chunk struct {
	virt, phys, remaining uint64
}

// chunkSource hands out 4 KiB (virt, phys) slots out of successive chunks,
// requesting a fresh chunk sized to the lesser of chunkSize and the
// remaining page count once the current one is exhausted.
type chunkSource struct {
	alloc     vmm.FrameAllocFn
	chunkVirt func(phys uint64) uint64
	cur       chunk
}

func newChunkSource(alloc vmm.FrameAllocFn, chunkVirt func(phys uint64) uint64) *chunkSource {
	return &chunkSource{alloc: alloc, chunkVirt: chunkVirt}
}

// next returns the next 4 KiB slot's (virt, phys) pair, requesting a fresh
// chunk of size min(chunkSize, pagesLeft*pageSize) when the current one is
// exhausted.
func (c *chunkSource) next(pagesLeft uint64) (virt, phys uint64, err *kernel.Error) {
	if c.cur.remaining == 0 {
		want := chunkSize
		if pagesLeft*pageSize < want {
			want = pagesLeft * pageSize
		}
		if want < pageSize {
			want = pageSize
		}
		phys, allocErr := c.alloc()
		if allocErr != nil {
			return 0, 0, allocErr
		}
		c.cur = chunk{virt: c.chunkVirt(phys), phys: phys, remaining: want}
	}
	v, p := c.cur.virt, c.cur.phys
	c.cur.virt += pageSize
	c.cur.phys += pageSize
	c.cur.remaining -= pageSize
	return v, p, nil
}

// Plan is the result of Pass 1: the materialised block-map root and the
// total number of pages Pass 2 must load.
type Plan struct {
	BlockMapRoot uint64
	PageCount    uint64
}

// SizeAndMaterialize implements Pass 1 (spec §4.6): it materialises the
// entire on-disk block map into kernel-visible memory (via
// blockmap.Materialize), then recursively descends it a second time,
// through the same block cache, to count the pages Pass 2 will load.
func SizeAndMaterialize(alloc vmm.FrameAllocFn, cache *blockmap.Cache, bml4 uint64, freestanding bool, ctx interface {
	MemcpyTo(virt uint64, src []byte) bool
}) (Plan, *kernel.Error) {
	root, err := blockmap.Materialize(ctx, alloc, cache, bml4)
	if err != nil {
		return Plan{}, err
	}
	count, err := countPresentLeaves(cache, bml4, 0, freestanding)
	if err != nil {
		return Plan{}, err
	}
	return Plan{BlockMapRoot: root, PageCount: count}, nil
}

func countPresentLeaves(cache *blockmap.Cache, blockID uint64, level int, freestanding bool) (uint64, *kernel.Error) {
	if level == 3 {
		var total uint64
		for i := uint64(0); i < 512; i++ {
			entry, err := blockmap.ReadEntry(cache, blockID, i)
			if err != nil {
				return 0, err
			}
			if !entry.Present() {
				continue
			}
			if freestanding || entry.Wired() {
				total++
			}
		}
		return total, nil
	}

	var total uint64
	for i := uint64(0); i < 512; i++ {
		entry, err := blockmap.ReadEntry(cache, blockID, i)
		if err != nil {
			return 0, err
		}
		if !entry.Present() {
			continue
		}
		sub, err := countPresentLeaves(cache, entry.BlockID, level+1, freestanding)
		if err != nil {
			return 0, err
		}
		total += sub
	}
	return total, nil
}

// Load implements Pass 2 (spec §4.6): it traverses the in-memory,
// materialised block map (read through ctx's memcpy, since intermediate
// pointers are now kernel virtual addresses) and loads every eligible
// level-1 entry's contents through a chunked frame pool.
func Load(ctx pageMapper, info *pageinfo.Array, reader interface {
	MemcpyFrom(dst []byte, virt uint64) bool
}, dev interface {
	ReadBlock(id uint64, dst []byte) *kernel.Error
}, alloc vmm.FrameAllocFn, chunkVirt func(phys uint64) uint64, root uint64, baseVirt uint64, freestanding bool) *kernel.Error {
	// Load does not receive Pass 1's PageCount: every slot is requested
	// with pagesLeft = 1, so each chunk drawn from alloc is a single 4 KiB
	// page rather than a batch of up to chunkSize.
	src := newChunkSource(alloc, chunkVirt)
	return loadLevel(ctx, info, reader, dev, src, root, baseVirt, 0, freestanding)
}

func loadLevel(ctx pageMapper, info *pageinfo.Array, reader interface {
	MemcpyFrom(dst []byte, virt uint64) bool
}, dev interface {
	ReadBlock(id uint64, dst []byte) *kernel.Error
}, src *chunkSource, tableVirt uint64, baseVirt uint64, level int, freestanding bool) *kernel.Error {
	var raw [4096]byte
	if !reader.MemcpyFrom(raw[:], tableVirt) {
		return kernel.NewError("loader", "failed to read materialised block-map page")
	}

	shift := uint(39 - level*9)
	for i := uint64(0); i < 512; i++ {
		word := leUint64(raw[i*8 : i*8+8])
		flags := uint8(word & 0xFF)
		if flags&blockmap.FlagPresent == 0 {
			continue
		}
		rawVirt := baseVirt + (i << shift)

		if level < 3 {
			childVirt := word &^ 0xFF
			if err := loadLevel(ctx, info, reader, dev, src, childVirt, rawVirt, level+1, freestanding); err != nil {
				return err
			}
			continue
		}

		entryVirt := canonicalize(rawVirt)

		wired := flags&blockmap.FlagWired != 0
		if !freestanding && !wired {
			continue
		}
		if flags&blockmap.FlagTransient != 0 {
			continue
		}
		dataBlockID := word >> 8

		v, p, err := src.next(1)
		if err != nil {
			return err
		}

		writable := flags&blockmap.FlagWritable != 0 && flags&blockmap.FlagTrackDirty == 0
		if ok, err := ctx.Map(entryVirt, p, pageSize, vmm.PageAttrs{Writable: writable, Executable: true}); err != nil {
			return err
		} else if !ok {
			return kernel.NewError("loader", "failed to map wired page")
		}

		pageType := pageinfo.TypeWired
		if freestanding {
			pageType = pageinfo.TypeActive
		}
		info.Write(p, pageinfo.Entry{
			Flags: pageinfo.NewPageFlags(pageType),
			Extra: dataBlockID,
			Next:  pageinfo.Nil,
			Prev:  pageinfo.Nil,
		})

		// Contents are written through the chunk's loader-mapped pointer
		// v (already valid inside the physical-map window), not through
		// entryVirt: the kernel context's mapping we just added is for
		// the kernel's post-hand-off address space, which the loader
		// itself never switches into.
		if flags&blockmap.FlagZeroFill != 0 {
			ctx.Memset(v, 0, pageSize)
			continue
		}
		var data [4096]byte
		if err := dev.ReadBlock(dataBlockID, data[:]); err != nil {
			return err
		}
		if !ctx.MemcpyTo(v, data[:]) {
			return kernel.NewError("loader", "failed to copy loaded page contents")
		}
	}
	return nil
}

// canonicalize sign-extends a raw 48-bit block-map address (bits [47:12]
// assembled from the four radix indices, bits [11:0] zero) into a
// canonical amd64/arm64 kernel-half virtual address: bit 47 set implies
// bits [63:48] must all be set too.
func canonicalize(raw uint64) uint64 {
	if raw&(1<<47) != 0 {
		return raw | 0xFFFF_0000_0000_0000
	}
	return raw
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
