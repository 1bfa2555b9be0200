// Package extent models a chain of extents and resolves virtual sectors
// through it.
//
// A chain is ordered child first. Each sparse extent only stores the grains
// written since its parent was snapshotted; anything it doesn't store is
// resolved by falling through to the parent, and past the root to zeros.
package extent

import (
	"fmt"

	"github.com/dargueta/punchzero"
	"github.com/dargueta/punchzero/descriptor"
	"github.com/dargueta/punchzero/source"
	"github.com/dargueta/punchzero/sparse"
	lru "github.com/hashicorp/golang-lru"
)

// Kind is the storage format of an extent.
type Kind int

const (
	Flat Kind = iota
	Sparse
)

func (k Kind) String() string {
	switch k {
	case Flat:
		return descriptor.TypeFlat
	case Sparse:
		return descriptor.TypeSparse
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindFromType converts an extent type from a descriptor into a Kind.
func KindFromType(extentType string) (Kind, error) {
	switch extentType {
	case descriptor.TypeFlat:
		return Flat, nil
	case descriptor.TypeSparse:
		return Sparse, nil
	default:
		return 0, punchzero.ErrFormat.WithMessage(
			fmt.Sprintf("extent type %s not supported", extentType))
	}
}

// Extent is one node of a chain.
type Extent struct {
	Kind Kind
	// Size is the extent's size in sectors, as declared by its descriptor.
	Size           uint64
	DescriptorPath string
	BackingPath    string
	// Header and Directory are only set for sparse extents.
	Header    *sparse.Header
	Directory sparse.GrainDirectory
	// Parent is the next extent up the chain, or nil for the root.
	Parent *Extent

	src         source.Source
	grainTables *lru.Cache
}

// New creates an extent over an already-open source. For sparse extents the
// header and grain directory are decoded from `src` using `role`.
//
// On success the extent takes ownership of `src`; on failure the caller still
// has to close it.
func New(
	kind Kind,
	size uint64,
	src source.Source,
	role sparse.Role,
	grainTableCacheSize int,
) (*Extent, error) {
	if grainTableCacheSize <= 0 {
		return nil, punchzero.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("grain table cache size must be positive, got %d", grainTableCacheSize))
	}

	cache, err := lru.New(grainTableCacheSize)
	if err != nil {
		return nil, punchzero.ErrInvalidArgument.Wrap(err)
	}

	ext := &Extent{
		Kind:        kind,
		Size:        size,
		src:         src,
		grainTables: cache,
	}

	if kind != Sparse {
		return ext, nil
	}

	rawHeader := make([]byte, sparse.HeaderSize)
	if err = source.ReadFull(src, rawHeader, 0); err != nil {
		return nil, err
	}
	ext.Header, err = sparse.DecodeHeader(rawHeader, role)
	if err != nil {
		return nil, err
	}
	if err = ext.Header.Validate(); err != nil {
		return nil, err
	}
	if err = checkFits(ext.Header, src.Size()); err != nil {
		return nil, err
	}

	rawDirectory := make([]byte, int(ext.Header.NumGDEntries)*4)
	err = source.ReadFull(src, rawDirectory, ext.Header.DirectoryOffset())
	if err != nil {
		return nil, err
	}
	ext.Directory, err = sparse.DecodeGrainDirectory(rawDirectory, ext.Header.NumGDEntries)
	if err != nil {
		return nil, err
	}
	return ext, nil
}

// checkFits makes sure the grain directory lies within a source of `size`
// bytes before it's allocated.
func checkFits(header *sparse.Header, size int64) error {
	directoryEnd := uint64(header.DirectoryOffset()) + uint64(header.NumGDEntries)*4
	if directoryEnd > uint64(size) {
		return punchzero.ErrFormat.WithMessage(
			fmt.Sprintf(
				"grain directory of %d entries at sector %d ends past the end of the extent (%d bytes)",
				header.NumGDEntries,
				header.GDOffset,
				size,
			))
	}
	return nil
}

// Name returns the most descriptive name available for error messages.
func (ext *Extent) Name() string {
	if ext.DescriptorPath != "" {
		return ext.DescriptorPath
	}
	if ext.BackingPath != "" {
		return ext.BackingPath
	}
	return "<anonymous extent>"
}

// Source returns the extent's backing byte source.
func (ext *Extent) Source() source.Source {
	return ext.src
}

// GrainSize returns the number of sectors per grain. Flat extents are treated
// as having one-sector grains.
func (ext *Extent) GrainSize() uint64 {
	if ext.Kind == Sparse {
		return uint64(ext.Header.GrainSize)
	}
	return 1
}

// Close closes the backing source.
func (ext *Extent) Close() error {
	ext.grainTables.Purge()
	return ext.src.Close()
}

// grainTable returns the grain table stored at sector `tableSector`, loading it
// if it isn't cached.
func (ext *Extent) grainTable(tableSector uint32) (*sparse.GrainTable, error) {
	if cached, ok := ext.grainTables.Get(tableSector); ok {
		return cached.(*sparse.GrainTable), nil
	}

	raw := make([]byte, sparse.GrainTableBytes)
	err := source.ReadFull(ext.src, raw, int64(tableSector)*sparse.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read grain table of %s: %w", ext.Name(), err)
	}

	table, err := sparse.DecodeGrainTable(raw)
	if err != nil {
		return nil, err
	}
	ext.grainTables.Add(tableSector, table)
	return table, nil
}
