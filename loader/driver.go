package loader

import (
	"kboot/blockmap"
	"kboot/bootinfo"
	"kboot/buddy"
	"kboot/fixnum"
	"kboot/internal/kernel"
	"kboot/internal/kfmt"
	"kboot/memmap"
	"kboot/pageinfo"
	"kboot/platform"
	"kboot/transition"
	"kboot/vmm"
)

const minTotalRAM = uint64(500) << 20

// Options mirrors the CLI subset from spec.md §6.
type Options struct {
	ReadOnly        bool
	Freestanding    bool
	VideoConsole    bool
	NoDetect        bool
	NoSMP           bool
	SkipMemoryCheck bool // i-promise-i-have-enough-memory
	Verbose         bool
}

func (o Options) bootOptionFlags() uint64 {
	var f uint64
	if o.ReadOnly {
		f |= bootinfo.OptForceReadOnly
	}
	if o.Freestanding {
		f |= bootinfo.OptFreestanding
	}
	if o.VideoConsole {
		f |= bootinfo.OptVideoConsole
	}
	if o.NoDetect {
		f |= bootinfo.OptNoDetect
	}
	if o.NoSMP {
		f |= bootinfo.OptNoSMP
	}
	return f
}

// Driver wires together every component needed to run the loader driver
// sequence described in spec.md §4.10.
type Driver struct {
	Device        platform.BlockDevice
	Allocator     platform.Allocator
	Firmware      platform.FirmwareMemoryMap
	VideoSelector platform.VideoSelector
	Pointers      platform.PlatformPointers
	Trampoline    platform.Trampoline
	NewContext    vmm.ContextBuilder
	CacheCapacity int // indirect block cache capacity; <=0 means unbounded
	LoaderImage   transition.LoaderImage
}

func (d *Driver) allocFn() vmm.FrameAllocFn {
	return func() (uint64, *kernel.Error) {
		return d.Allocator.AllocFrame()
	}
}

// Run executes the full sequence: header validate, memmap, page-info,
// block map, wired load, buddy init, transition, boot-info, hand-off. It
// returns a *kernel.Error for configuration failures (spec §7.1) reported
// to the caller, or calls kernel.Panic directly for internal invariant
// failures (§7.3) once paging has begun (§7's "once committed" rule).
func (d *Driver) Run(headerBuf []byte, opts Options) *kernel.Error {
	header, err := ParseHeader(headerBuf)
	if err != nil {
		return err
	}
	if !CheckProtocol(header) {
		return kernel.NewError("loader", "unsupported protocol version")
	}

	// The header carries this build's own end-of-list sentinel; every
	// page-info and buddy free-list write from here on must terminate on
	// it, not on an invented constant.
	pageinfo.SetNil(header.Nil)

	if !opts.SkipMemoryCheck {
		var total uint64
		for _, desc := range d.Firmware.Descriptors() {
			total += desc.End - desc.Start
		}
		if total < minTotalRAM {
			return kernel.NewError("loader", "insufficient memory")
		}
	}

	// From here on the allocator pool is being consumed and paging
	// contexts are under construction; any further failure is an
	// internal invariant (spec §7) and halts rather than returning.

	kernelCtx, kerr := d.NewContext(d.allocFn())
	if kerr != nil {
		kernel.Panic(kerr)
	}

	mm, kerr := memmap.Build(kernelCtx, d.Firmware, d.logf(opts))
	if kerr != nil {
		kernel.Panic(kerr)
	}

	if kerr := pageinfo.Build(kernelCtx, mm, d.allocFn()); kerr != nil {
		kernel.Panic(kerr)
	}
	info := pageinfo.New(kernelCtx)

	cache := blockmap.NewCache(d.Device, d.CacheCapacity)
	plan, kerr := SizeAndMaterialize(d.allocFn(), cache, header.BML4, opts.Freestanding, kernelCtx)
	if kerr != nil {
		kernel.Panic(kerr)
	}

	chunkVirt := func(phys uint64) uint64 { return memmap.PMapBase + phys }
	if kerr := Load(kernelCtx, info, kernelCtx, d.Device, d.allocFn(), chunkVirt, plan.BlockMapRoot, 0, opts.Freestanding); kerr != nil {
		kernel.Panic(kerr)
	}

	var video platform.VideoMode
	videoPresent := false
	if d.VideoSelector != nil && !opts.NoDetect {
		video, videoPresent = d.VideoSelector.SelectVideoMode()
	}

	bins := buddy.New(info, mm.Covers)
	if finalizer, ok := d.Allocator.(platform.Finalizer); ok {
		for _, frame := range finalizer.MemoryFinalize() {
			switch frame.Type {
			case platform.FinalizeFree:
				for p := frame.Start; p < frame.End; p += pageSize {
					if p > 1<<20 {
						bins.Free(p)
					}
				}
			case platform.FinalizePageTables:
				for p := frame.Start; p < frame.End; p += pageSize {
					e := info.Read(p)
					e.Flags = e.Flags.WithType(pageinfo.TypePageTable)
					info.Write(p, e)
				}
			}
		}
	}

	transitionCtx, kerr := transition.Build(d.NewContext, d.allocFn(), kernelCtx, d.LoaderImage)
	if kerr != nil {
		kernel.Panic(kerr)
	}

	page := bootinfo.Compose(bootinfo.Inputs{
		UUID:            header.UUID,
		Buddy32:         bins.Bin32(),
		Buddy64:         bins.Bin64(),
		Video:           video,
		VideoPresent:    videoPresent,
		Pointers:        d.Pointers,
		BootOptions:     opts.bootOptionFlags(),
		MemoryMap:       mm,
		BlockMapAddress: plan.BlockMapRoot,
	})

	bootInfoPhys, kerr := d.allocFn()()
	if kerr != nil {
		kernel.Panic(kerr)
	}
	bootInfoVirt := memmap.PMapBase + bootInfoPhys
	if !kernelCtx.MemcpyTo(bootInfoVirt, page) {
		kernel.Panic(kernel.NewError("loader", "failed to write boot-info page"))
	}

	d.Trampoline.Enter(
		transitionCtx.RootPhys(),
		kernelCtx.RootPhys(),
		header.EntryFref,
		header.InitialProcess,
		fixnum.EncodeUint(bootInfoVirt),
		header.Nil,
		header.InitialStackPointer,
	)
	return nil // unreachable: Enter never returns
}

func (d *Driver) logf(opts Options) func(format string, args ...interface{}) {
	if !opts.Verbose {
		return nil
	}
	return kfmt.Printf
}
