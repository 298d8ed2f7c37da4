// Package blockmap implements the block-map walker (spec.md §4.5): a 4-level
// on-disk radix trie from 48-bit kernel virtual addresses to (flags,
// disk-block id), an LRU cache of recently used indirect blocks, and the
// Pass 1 materialisation of the entire tree into kernel-visible memory with
// child pointers rewritten to kernel virtual addresses.
package blockmap

import (
	"encoding/binary"

	"kboot/internal/kernel"
	"kboot/memmap"
	"kboot/platform"
	"kboot/vmm"
)

const (
	entriesPerBlock = 512
	blockBytes      = entriesPerBlock * 8

	// Entry flag bits (spec §3).
	FlagPresent    = 0x01
	FlagWritable   = 0x02
	FlagZeroFill   = 0x04
	FlagWired      = 0x10
	FlagTrackDirty = 0x20
	FlagTransient  = 0x40
)

var levelShifts = [4]uint{39, 30, 21, 12}

// Entry is a decoded 64-bit block-map word.
type Entry struct {
	Flags   uint8
	BlockID uint64 // next-level block id, or data-block id at level 1
}

func decodeEntry(word uint64) Entry {
	return Entry{Flags: uint8(word & 0xFF), BlockID: word >> 8}
}

func encodeEntry(e Entry) uint64 {
	return e.BlockID<<8 | uint64(e.Flags)
}

func (e Entry) Present() bool    { return e.Flags&FlagPresent != 0 }
func (e Entry) Writable() bool   { return e.Flags&FlagWritable != 0 }
func (e Entry) ZeroFill() bool   { return e.Flags&FlagZeroFill != 0 }
func (e Entry) Wired() bool      { return e.Flags&FlagWired != 0 }
func (e Entry) TrackDirty() bool { return e.Flags&FlagTrackDirty != 0 }
func (e Entry) Transient() bool  { return e.Flags&FlagTransient != 0 }

func indices(virt uint64) [4]uint64 {
	var idx [4]uint64
	for i, shift := range levelShifts {
		idx[i] = (virt >> shift) & (entriesPerBlock - 1)
	}
	return idx
}

// cacheNode is one node of the LRU's doubly-linked list, matching the
// page-info next/prev threading idiom used throughout this repo rather than
// reaching for container/list.
type cacheNode struct {
	blockID    uint64
	data       [blockBytes]byte
	prev, next *cacheNode
}

// Cache is a bounded, tail-evicting LRU of raw on-disk blocks (spec §4.5).
// A zero-value capacity means unbounded, matching the original design where
// the cache is "never evicted... total indirect blocks are bounded".
type Cache struct {
	dev      platform.BlockDevice
	capacity int
	byID     map[uint64]*cacheNode
	head     *cacheNode
	tail     *cacheNode
}

// NewCache builds a cache in front of dev. capacity <= 0 means unbounded.
func NewCache(dev platform.BlockDevice, capacity int) *Cache {
	return &Cache{dev: dev, capacity: capacity, byID: make(map[uint64]*cacheNode)}
}

func (c *Cache) unlink(n *cacheNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (c *Cache) pushFront(n *cacheNode) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

// Read returns the 4 KiB block identified by id, splicing it to the head on
// a hit or reading it from the device and prepending it on a miss. The
// returned slice is owned by the cache and must not be retained past the
// next Read call that could evict it.
func (c *Cache) Read(id uint64) (*[blockBytes]byte, *kernel.Error) {
	if n, ok := c.byID[id]; ok {
		c.unlink(n)
		c.pushFront(n)
		return &n.data, nil
	}

	n := &cacheNode{blockID: id}
	if err := c.dev.ReadBlock(id, n.data[:]); err != nil {
		return nil, err
	}
	c.byID[id] = n
	c.pushFront(n)

	if c.capacity > 0 && len(c.byID) > c.capacity {
		evict := c.tail
		c.unlink(evict)
		delete(c.byID, evict.blockID)
	}
	return &n.data, nil
}

// Len reports the number of blocks currently cached.
func (c *Cache) Len() int { return len(c.byID) }

// ReadEntry reads the 64-bit block-map entry at index idx within block id.
func ReadEntry(cache *Cache, id, idx uint64) (Entry, *kernel.Error) {
	block, err := cache.Read(id)
	if err != nil {
		return Entry{}, err
	}
	word := binary.LittleEndian.Uint64(block[idx*8 : idx*8+8])
	return decodeEntry(word), nil
}

// memWriter is the subset of vmm.Context Materialize needs to deposit
// in-memory block-map pages through the physical-map window.
type memWriter interface {
	MemcpyTo(virt uint64, src []byte) bool
}

// Materialize copies the on-disk block map rooted at bml4 into freshly
// allocated kernel RAM, rewriting every intermediate level's child pointers
// from disk-block ids to kernel virtual addresses inside the physical-map
// window (spec §4.5, Pass 1). Data-block ids at the leaf (level 1) entries
// are left untouched; Pass 2 reads those data blocks from the device.
//
// Because every allocator frame is already covered by the physical-map
// window built in §4.3, a materialised block needs no fresh mapping of its
// own: its kernel-virtual address is simply memmap.PMapBase + its physical
// address.
func Materialize(ctx memWriter, alloc vmm.FrameAllocFn, cache *Cache, bml4 uint64) (uint64, *kernel.Error) {
	return materializeBlock(ctx, alloc, cache, bml4, 0)
}

func materializeBlock(ctx memWriter, alloc vmm.FrameAllocFn, cache *Cache, blockID uint64, level int) (uint64, *kernel.Error) {
	src, err := cache.Read(blockID)
	if err != nil {
		return 0, err
	}

	phys, err := alloc()
	if err != nil {
		return 0, err
	}
	virt := memmap.PMapBase + phys

	var dst [blockBytes]byte
	for i := 0; i < entriesPerBlock; i++ {
		word := binary.LittleEndian.Uint64(src[i*8 : i*8+8])
		entry := decodeEntry(word)
		out := word
		if entry.Present() && level < 3 {
			childVirt, err := materializeBlock(ctx, alloc, cache, entry.BlockID, level+1)
			if err != nil {
				return 0, err
			}
			// Intermediate entries are page-aligned virtual addresses;
			// the flag byte fits entirely inside the zero low bits a
			// page-aligned address already has.
			out = childVirt | uint64(entry.Flags)
		}
		binary.LittleEndian.PutUint64(dst[i*8:i*8+8], out)
	}

	if !ctx.MemcpyTo(virt, dst[:]) {
		return 0, kernel.NewError("blockmap", "failed to write materialised block-map page")
	}
	return virt, nil
}

// Resolve walks the on-disk block map rooted at bml4 for virtual address
// virt, returning the level-1 entry (flags + data-block id), or the zero
// Entry if any level along the path is non-PRESENT (spec §4.5).
func Resolve(cache *Cache, bml4 uint64, virt uint64) (Entry, *kernel.Error) {
	idx := indices(virt)
	block := bml4
	for level := 0; level < 3; level++ {
		entry, err := ReadEntry(cache, block, idx[level])
		if err != nil {
			return Entry{}, err
		}
		if !entry.Present() {
			return Entry{}, nil
		}
		block = entry.BlockID
	}
	entry, err := ReadEntry(cache, block, idx[3])
	if err != nil {
		return Entry{}, err
	}
	if !entry.Present() {
		return Entry{}, nil
	}
	return entry, nil
}
