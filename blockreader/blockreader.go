// Package blockreader provides the BlockReader abstraction components use to read raw bytes from an NTFS volume,
// plus the concrete implementations that back it: a platform block device or image file (Device), and a
// single-partition dd-style image accessed through a byte offset (Image). Reading through this interface, rather
// than the OS file API for individual files, is what lets this module extract files the OS itself refuses to open.
package blockreader

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/t9t/ntfscopy/ntfserr"
)

// BlockReader is the read-only contract every component in this module uses to access volume data. Implementations
// must support random access: ReadAt may be called with any offset, in any order. Implementations need not be safe
// for concurrent use (Memory is not).
type BlockReader interface {
	// ReadAt reads len(p) bytes starting at offset off. It returns ntfserr.ReadShort if fewer bytes are
	// available than requested, mirroring io.ReaderAt's "short read is always an error" contract.
	ReadAt(p []byte, off int64) (n int, err error)
	// Size returns the total addressable size of the volume in bytes.
	Size() int64
	// Close releases any underlying resources (file handles, etc).
	Close() error
}

// Device opens a platform device path (a raw device on a POSIX system, or \\.\C: style syntax on Windows) or a
// regular file, and serves ReadAt over it. Grounded on the stat-then-seek-to-end sizing fallback block devices need:
// os.File.Stat often reports size 0 for a block device, so actual size must be probed by seeking to the end.
type Device struct {
	file *os.File
	size int64
}

// DevicePath rewrites a bare drive letter like "C:" into the platform-appropriate raw device path. On non-Windows
// platforms the path is returned unchanged (the caller is expected to pass a /dev/... path directly).
func DevicePath(volume string) string {
	if runtime.GOOS == "windows" && len(volume) == 2 && volume[1] == ':' {
		return `\\.\` + volume
	}
	return volume
}

// OpenDevice opens the device or file at path and determines its size.
func OpenDevice(path string) (*Device, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, ntfserr.BadVolume.WithMessage(fmt.Sprintf("unable to open %s", path)).WithCause(err)
	}

	size, err := probeSize(file)
	if err != nil {
		file.Close()
		return nil, ntfserr.BadVolume.WithMessage(fmt.Sprintf("unable to determine size of %s", path)).WithCause(err)
	}

	return &Device{file: file, size: size}, nil
}

func probeSize(file *os.File) (int64, error) {
	stat, err := file.Stat()
	if err != nil {
		return 0, err
	}
	if stat.Size() > 0 {
		return stat.Size(), nil
	}
	// Block devices commonly report a regular size of 0 through Stat; seeking to the end is the
	// only portable way to learn their true size.
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}

func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	n, err := d.file.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, err
	}
	if n < len(p) {
		return n, ntfserr.ReadShort.WithMessage(fmt.Sprintf("wanted %d bytes at offset %d but got %d", len(p), off, n))
	}
	return n, nil
}

func (d *Device) Size() int64 {
	return d.size
}

func (d *Device) Close() error {
	return d.file.Close()
}

// Image wraps a Device (or any BlockReader) with a constant byte offset, for dd-style single-partition images where
// the volume does not start at byte 0 of the file. Per the open question this module leaves unresolved, Image does
// not attempt to parse a partition table to derive that offset for multi-partition images: the caller must supply
// it explicitly (for example by inspecting the image with an external tool first).
type Image struct {
	underlying BlockReader
	offset     int64
}

// NewImage wraps underlying so that all reads are relative to offset bytes into it.
func NewImage(underlying BlockReader, offset int64) *Image {
	return &Image{underlying: underlying, offset: offset}
}

func (i *Image) ReadAt(p []byte, off int64) (int, error) {
	return i.underlying.ReadAt(p, i.offset+off)
}

func (i *Image) Size() int64 {
	return i.underlying.Size() - i.offset
}

func (i *Image) Close() error {
	return i.underlying.Close()
}
