// Package buddy implements the buddy builder (spec.md §4.7): two page-order
// free-list arrays, one for frames below 4 GiB and one for the remainder,
// populated by iterative coalescing as the loader finalises firmware memory.
package buddy

import "kboot/pageinfo"

const (
	pageShift = 12
	pageSize  = uint64(1) << pageShift

	fourGiB = uint64(4) << 30

	// Bins32 covers orders 12..31 (2^12 .. 2^31 byte pages) for frames
	// below 4 GiB.
	Bins32 = 20
	// Bins64 covers orders 12..38 for the remainder.
	Bins64 = 27
)

// Bin is one order's free-list head: the physical address of the first free
// frame (or pageinfo.Nil) and a count of listed frames.
type Bin struct {
	FirstPage uint64
	Count     uint64
}

// infoStore is the subset of pageinfo.Array the builder needs: read/write
// access to a frame's flags/next/prev fields.
type infoStore interface {
	Read(p uint64) pageinfo.Entry
	Write(p uint64, e pageinfo.Entry)
}

// Allocator holds the two bin arrays. An Allocator built by New has every
// bin empty (FirstPage == pageinfo.Nil, Count == 0), matching spec §4.7's
// initialisation step; the zero value has no bins and is not usable. The bins are stored as slices internally (sized
// Bins32/Bins64 at construction) so the below-4GiB and above-4GiB cases can
// share the unlink/pushFront logic; Bin32/Bin64 expose them as the
// fixed-size arrays the spec describes.
type Allocator struct {
	info   infoStore
	bin32  []Bin
	bin64  []Bin
	covers func(p uint64) bool
}

// New builds an allocator with every bin initialised empty. covers reports
// whether a physical address lies within the memory map (spec §4.7 step 2's
// "P lies outside the memory map" check); it is typically memmap.MemoryMap.Covers.
func New(info infoStore, covers func(p uint64) bool) *Allocator {
	a := &Allocator{info: info, covers: covers, bin32: make([]Bin, Bins32), bin64: make([]Bin, Bins64)}
	for i := range a.bin32 {
		a.bin32[i] = Bin{FirstPage: pageinfo.Nil}
	}
	for i := range a.bin64 {
		a.bin64[i] = Bin{FirstPage: pageinfo.Nil}
	}
	return a
}

// Bin32 returns a copy of the bin32 array.
func (a *Allocator) Bin32() [Bins32]Bin {
	var out [Bins32]Bin
	copy(out[:], a.bin32)
	return out
}

// Bin64 returns a copy of the bin64 array.
func (a *Allocator) Bin64() [Bins64]Bin {
	var out [Bins64]Bin
	copy(out[:], a.bin64)
	return out
}

func (a *Allocator) binsFor(addr uint64) ([]Bin, int) {
	if addr < fourGiB {
		return a.bin32, Bins32
	}
	return a.bin64, Bins64
}

// Free releases the page at physical address l, performing the exact
// iterative buddy-coalescing walk from spec §4.7. The loop order and bounds
// matter: a differently shaped walk produces a free-list layout the
// kernel's own allocator does not expect.
func (a *Allocator) Free(l uint64) {
	bins, maxBin := a.binsFor(l)
	k := 0

	for {
		p := l ^ (uint64(1) << (k + pageShift))

		if k == maxBin-1 {
			break
		}
		if !a.covers(p) {
			break
		}
		info := a.info.Read(p)
		if info.Flags.Type() != pageinfo.TypeFree || int(info.Flags.Bin()) != k {
			break
		}

		a.unlink(bins, k, p)
		if p < l {
			l = p
		}
		k++
	}

	a.pushFront(bins, k, l)
}

// unlink removes page p from bin k's doubly-linked free list, patching its
// neighbours' next/prev and the bin head as needed.
func (a *Allocator) unlink(bins []Bin, k int, p uint64) {
	info := a.info.Read(p)

	if info.Prev == pageinfo.Nil {
		bins[k].FirstPage = info.Next
	} else {
		prevInfo := a.info.Read(info.Prev)
		prevInfo.Next = info.Next
		a.info.Write(info.Prev, prevInfo)
	}
	if info.Next != pageinfo.Nil {
		nextInfo := a.info.Read(info.Next)
		nextInfo.Prev = info.Prev
		a.info.Write(info.Next, nextInfo)
	}
	bins[k].Count--
}

// pushFront installs p as the new head of bin k's free list, marking its
// page-info as free with the matching bin index.
func (a *Allocator) pushFront(bins []Bin, k int, p uint64) {
	oldHead := bins[k].FirstPage
	a.info.Write(p, pageinfo.Entry{
		Flags: pageinfo.NewPageFlags(pageinfo.TypeFree).WithBin(uint8(k)),
		Extra: 0,
		Next:  oldHead,
		Prev:  pageinfo.Nil,
	})
	if oldHead != pageinfo.Nil {
		headInfo := a.info.Read(oldHead)
		headInfo.Prev = p
		a.info.Write(oldHead, headInfo)
	}
	bins[k].FirstPage = p
	bins[k].Count++
}
