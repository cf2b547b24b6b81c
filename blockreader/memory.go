package blockreader

import (
	"fmt"
	"io"

	"github.com/xaionaro-go/bytesextra"

	"github.com/t9t/ntfscopy/ntfserr"
)

// Memory is an in-memory BlockReader over a []byte, for building synthetic volumes in tests without touching a
// real device or image file. It wraps the data with bytesextra.NewReadWriteSeeker, the same adapter
// dargueta-disko's blockcache.WrapSlice uses to test block-oriented code against a plain byte slice.
type Memory struct {
	stream io.ReadWriteSeeker
	size   int64
}

// NewMemory wraps data (not copied) as a BlockReader.
func NewMemory(data []byte) *Memory {
	return &Memory{stream: bytesextra.NewReadWriteSeeker(data), size: int64(len(data))}
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > m.size {
		return 0, ntfserr.ReadShort.WithMessage(fmt.Sprintf("offset %d out of range [0, %d]", off, m.size))
	}
	if _, err := m.stream.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(m.stream, p)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, err
	}
	if n < len(p) {
		return n, ntfserr.ReadShort.WithMessage(fmt.Sprintf("wanted %d bytes at offset %d but got %d", len(p), off, n))
	}
	return n, nil
}

func (m *Memory) Size() int64 {
	return m.size
}

func (m *Memory) Close() error {
	return nil
}
