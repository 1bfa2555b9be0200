package source

import (
	"os"

	"github.com/dargueta/punchzero"
	mmap "github.com/edsrzf/mmap-go"
)

// Mmap is a Source backed by a read-only mapping of an entire file.
type Mmap struct {
	file *os.File
	mem  mmap.MMap
}

// NewMmap maps `file` into memory. The Mmap takes ownership of the file and
// closes it in Close.
//
// Empty files can't be mapped; they get an Mmap with no mapping, on which
// every read fails.
func NewMmap(file *os.File) (*Mmap, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, punchzero.ErrIO.Wrap(err)
	}
	if info.Size() == 0 {
		return &Mmap{file: file}, nil
	}

	mem, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, punchzero.ErrIO.Wrap(err)
	}
	return &Mmap{file: file, mem: mem}, nil
}

// Size returns the length of the mapping, in bytes.
func (m *Mmap) Size() int64 {
	return int64(len(m.mem))
}

// ReadAt implements io.ReaderAt over the mapping.
func (m *Mmap) ReadAt(buffer []byte, offset int64) (int, error) {
	if err := checkBounds(m.Size(), offset, len(buffer)); err != nil {
		return 0, err
	}
	return copy(buffer, m.mem[offset:]), nil
}

// Close unmaps the file and closes it.
func (m *Mmap) Close() error {
	var unmapErr error
	if m.mem != nil {
		unmapErr = m.mem.Unmap()
		m.mem = nil
	}

	closeErr := m.file.Close()
	if unmapErr != nil {
		return punchzero.ErrIO.Wrap(unmapErr)
	}
	if closeErr != nil {
		return punchzero.ErrIO.Wrap(closeErr)
	}
	return nil
}
