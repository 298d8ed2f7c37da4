// Package diskimage backs platform.BlockDevice with a memory-mapped Mezzano
// image file, standing in for the bootloader's own device_read/fs_read
// (spec.md §1, out of scope). Grounded on CircleCashTeam-magiskboot_go's use
// of github.com/edsrzf/mmap-go to map a boot image for in-place access
// instead of issuing a read syscall per block.
package diskimage

import (
	"os"

	"github.com/edsrzf/mmap-go"

	"kboot/internal/kernel"
)

const blockSize = 4096

// Image is a memory-mapped Mezzano image file.
type Image struct {
	f    *os.File
	data mmap.MMap
}

// Open maps path read-only for the lifetime of the returned Image.
func Open(path string) (*Image, *kernel.Error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kernel.NewError("diskimage", err.Error())
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, kernel.NewError("diskimage", err.Error())
	}
	return &Image{f: f, data: data}, nil
}

// Close unmaps the image and closes the underlying file.
func (img *Image) Close() *kernel.Error {
	if err := img.data.Unmap(); err != nil {
		img.f.Close()
		return kernel.NewError("diskimage", err.Error())
	}
	if err := img.f.Close(); err != nil {
		return kernel.NewError("diskimage", err.Error())
	}
	return nil
}

// ReadBlock implements platform.BlockDevice by slicing the mapped region;
// it never issues a syscall past the initial mmap.
func (img *Image) ReadBlock(id uint64, dst []byte) *kernel.Error {
	if len(dst) != blockSize {
		return kernel.NewError("diskimage", "ReadBlock requires a 4096-byte destination")
	}
	offset := id * blockSize
	if offset+blockSize > uint64(len(img.data)) {
		return kernel.NewError("diskimage", "block id points past end of device")
	}
	copy(dst, img.data[offset:offset+blockSize])
	return nil
}

// ReadHeader reads the first 512 bytes of the image (spec.md §4.10 step 2).
func (img *Image) ReadHeader(dst []byte) *kernel.Error {
	if len(dst) != 512 {
		return kernel.NewError("diskimage", "ReadHeader requires a 512-byte destination")
	}
	if uint64(len(img.data)) < 512 {
		return kernel.NewError("diskimage", "image shorter than header size")
	}
	copy(dst, img.data[:512])
	return nil
}
