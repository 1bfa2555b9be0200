package source

import (
	"fmt"
	"io"
	"os"

	"github.com/dargueta/punchzero"
	lru "github.com/hashicorp/golang-lru"
)

// Window is a Source that reads its backing stream in aligned windows and keeps
// the most recently used windows in an LRU cache.
type Window struct {
	backing     io.ReaderAt
	closer      io.Closer
	size        int64
	windowBytes int64
	windows     *lru.Cache
}

// NewWindow creates a windowed Source over the first `size` bytes of `r`.
func NewWindow(r io.ReaderAt, size int64, windowSectors, cachedWindows int) (*Window, error) {
	if windowSectors <= 0 || cachedWindows <= 0 {
		return nil, punchzero.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"window size and cache size must be positive, got %d and %d",
				windowSectors,
				cachedWindows,
			))
	}
	if size < 0 {
		return nil, punchzero.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative source size %d", size))
	}

	cache, err := lru.New(cachedWindows)
	if err != nil {
		return nil, punchzero.ErrInvalidArgument.Wrap(err)
	}

	return &Window{
		backing:     r,
		size:        size,
		windowBytes: int64(windowSectors) * SectorSize,
		windows:     cache,
	}, nil
}

func newFileWindow(file *os.File, options Options) (*Window, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, punchzero.ErrIO.Wrap(err)
	}

	window, err := NewWindow(file, info.Size(), options.WindowSectors, options.CachedWindows)
	if err != nil {
		return nil, err
	}
	window.closer = file
	return window, nil
}

// Size returns the size of the backing stream, in bytes.
func (w *Window) Size() int64 {
	return w.size
}

// loadWindow returns the cached window with the given index, reading it from
// the backing stream if it isn't cached. The last window may be short.
func (w *Window) loadWindow(index int64) ([]byte, error) {
	if cached, ok := w.windows.Get(index); ok {
		return cached.([]byte), nil
	}

	start := index * w.windowBytes
	length := w.windowBytes
	if start+length > w.size {
		length = w.size - start
	}

	data := make([]byte, length)
	n, err := w.backing.ReadAt(data, start)
	if int64(n) < length {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, punchzero.ErrIO.Wrap(
			fmt.Errorf("failed to read %d bytes at offset %d: %w", length, start, err))
	}

	w.windows.Add(index, data)
	return data, nil
}

// ReadAt implements io.ReaderAt. Reads that extend past the end of the stream
// fail without copying anything.
func (w *Window) ReadAt(buffer []byte, offset int64) (int, error) {
	if err := checkBounds(w.size, offset, len(buffer)); err != nil {
		return 0, err
	}

	total := 0
	for total < len(buffer) {
		position := offset + int64(total)
		window, err := w.loadWindow(position / w.windowBytes)
		if err != nil {
			return total, err
		}
		total += copy(buffer[total:], window[position%w.windowBytes:])
	}
	return total, nil
}

// Close releases the cached windows and closes the backing file, if the
// Window owns one.
func (w *Window) Close() error {
	w.windows.Purge()
	if w.closer != nil {
		if err := w.closer.Close(); err != nil {
			return punchzero.ErrIO.Wrap(err)
		}
	}
	return nil
}
