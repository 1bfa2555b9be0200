// Package source provides random-access, read-only views of extent backing
// files.
//
// Two interchangeable backends are available. The window backend reads the
// file in fixed-size windows and keeps the most recently used ones in memory;
// the mmap backend maps the whole file. Both return identical bytes for
// identical ranges, and both treat any access at or past the end of the file
// as an I/O error.
package source

import (
	"fmt"
	"io"
	"os"

	"github.com/dargueta/punchzero"
)

const SectorSize = 512

// Backend names accepted by Open.
const (
	BackendWindow = "window"
	BackendMmap   = "mmap"
)

// DefaultWindowSectors is the size of one read window, in sectors.
const DefaultWindowSectors = 256

// DefaultCachedWindows is how many windows the window backend keeps in memory.
const DefaultCachedWindows = 16

// Source is a random-access, read-only byte source.
type Source interface {
	io.ReaderAt
	io.Closer
	// Size returns the total number of bytes available.
	Size() int64
}

// Options selects and tunes a backend.
type Options struct {
	Backend       string
	WindowSectors int
	CachedWindows int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Backend:       BackendWindow,
		WindowSectors: DefaultWindowSectors,
		CachedWindows: DefaultCachedWindows,
	}
}

// Open opens the file at `path` read-only with the backend named in `options`.
func Open(path string, options Options) (Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, punchzero.ErrIO.Wrap(fmt.Errorf("failed to open extent %s: %w", path, err))
	}

	var src Source
	switch options.Backend {
	case BackendMmap:
		src, err = NewMmap(file)
	case BackendWindow, "":
		src, err = newFileWindow(file, options)
	default:
		err = punchzero.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("unknown source backend %q", options.Backend))
	}

	if err != nil {
		file.Close()
		return nil, err
	}
	return src, nil
}

// ReadSector fills `buffer` with the 512 bytes of sector `sector`.
func ReadSector(src Source, sector uint64, buffer []byte) error {
	if len(buffer) != SectorSize {
		return punchzero.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("sector buffer must be %d bytes, got %d", SectorSize, len(buffer)))
	}
	return ReadFull(src, buffer, int64(sector)*SectorSize)
}

// ReadFull fills `buffer` from `offset`. Unlike a bare ReadAt, a short read is
// always an error, and an io.EOF accompanying a complete read is not.
func ReadFull(src Source, buffer []byte, offset int64) error {
	if err := checkBounds(src.Size(), offset, len(buffer)); err != nil {
		return err
	}

	n, err := src.ReadAt(buffer, offset)
	if n == len(buffer) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return punchzero.ErrIO.Wrap(err)
}

func checkBounds(size int64, offset int64, length int) error {
	if offset < 0 || offset+int64(length) > size {
		return punchzero.ErrIO.WithMessage(
			fmt.Sprintf(
				"can't read %d bytes at offset %d; range not in [0, %d)",
				length,
				offset,
				size,
			))
	}
	return nil
}
