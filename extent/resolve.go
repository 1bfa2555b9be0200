package extent

import (
	"fmt"

	"github.com/dargueta/punchzero"
	"github.com/dargueta/punchzero/source"
	"github.com/dargueta/punchzero/sparse"
)

// LocationKind classifies the result of resolving a sector.
type LocationKind int

const (
	// Absent means the extent holds nothing of its own for the sector. It's
	// only returned by non-recursive resolution.
	Absent LocationKind = iota
	// Zero means the sector is logically all zeros.
	Zero
	// Data means the sector's bytes are stored in Location.Extent at sector
	// Location.Sector of its backing file.
	Data
)

func (k LocationKind) String() string {
	switch k {
	case Absent:
		return "absent"
	case Zero:
		return "zero"
	case Data:
		return "data"
	default:
		return fmt.Sprintf("LocationKind(%d)", int(k))
	}
}

// Location is where a virtual sector's content lives.
type Location struct {
	Kind   LocationKind
	Extent *Extent
	Sector uint64
}

// Read fills `buffer`, which must be exactly one sector, with the content at
// this location.
func (loc Location) Read(buffer []byte) error {
	switch loc.Kind {
	case Zero:
		if len(buffer) != sparse.SectorSize {
			return punchzero.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("sector buffer must be %d bytes, got %d", sparse.SectorSize, len(buffer)))
		}
		clear(buffer)
		return nil
	case Data:
		err := source.ReadSector(loc.Extent.src, loc.Sector, buffer)
		if err != nil {
			return fmt.Errorf("failed to read extent %s: %w", loc.Extent.BackingPath, err)
		}
		return nil
	default:
		return punchzero.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't read a sector at an %s location", loc.Kind))
	}
}

// Resolve finds where the content of virtual sector `sector` lives.
//
// If the extent doesn't hold the sector itself and `recursive` is false, the
// result is Absent. If `recursive` is true, resolution continues with the
// parent, and past the root the sector is Zero.
func (ext *Extent) Resolve(sector uint64, recursive bool) (Location, error) {
	for current := ext; current != nil; current = current.Parent {
		loc, err := current.resolveLocal(sector)
		if err != nil {
			return Location{}, err
		}
		if loc.Kind != Absent {
			return loc, nil
		}
		if !recursive {
			return loc, nil
		}
	}
	return Location{Kind: Zero}, nil
}

// resolveLocal resolves `sector` against this extent only.
func (ext *Extent) resolveLocal(sector uint64) (Location, error) {
	if sector >= ext.Size {
		return Location{}, punchzero.ErrOutOfRange.WithMessage(
			fmt.Sprintf("sector %d not in range [0, %d) of %s", sector, ext.Size, ext.Name()))
	}

	if ext.Kind == Flat {
		return Location{Kind: Data, Extent: ext, Sector: sector}, nil
	}

	header := ext.Header
	if uint64(header.NumSectors) != ext.Size {
		return Location{}, punchzero.ErrFormat.WithMessage(
			fmt.Sprintf(
				"extent sector number %d mismatch with descriptor %s:%d",
				header.NumSectors,
				ext.Name(),
				ext.Size,
			))
	}

	grainSize := uint64(header.GrainSize)
	grain := sector / grainSize
	directoryIndex := grain / sparse.GrainTableEntries
	if directoryIndex >= uint64(len(ext.Directory)) {
		return Location{}, punchzero.ErrFormat.WithMessage(
			fmt.Sprintf(
				"sector %d needs grain directory entry %d but %s only has %d",
				sector,
				directoryIndex,
				ext.Name(),
				len(ext.Directory),
			))
	}

	tableSector := ext.Directory[directoryIndex]
	if tableSector == sparse.GrainEntryUnallocated {
		return Location{Kind: Absent}, nil
	}

	table, err := ext.grainTable(tableSector)
	if err != nil {
		return Location{}, err
	}

	entry := table[grain%sparse.GrainTableEntries]
	switch entry {
	case sparse.GrainEntryUnallocated:
		return Location{Kind: Absent}, nil
	case sparse.GrainEntryZero:
		return Location{Kind: Zero}, nil
	default:
		return Location{
			Kind:   Data,
			Extent: ext,
			Sector: uint64(entry) + sector%grainSize,
		}, nil
	}
}

// ReadResolved recursively resolves `sector` and reads its content into
// `buffer`.
func (ext *Extent) ReadResolved(sector uint64, buffer []byte) error {
	loc, err := ext.Resolve(sector, true)
	if err != nil {
		return err
	}
	return loc.Read(buffer)
}

// AllocatedSectors counts the sectors that non-recursive resolution doesn't
// report as Absent. A grain table entry covers a whole grain, so this only
// resolves the first sector of every grain.
func (ext *Extent) AllocatedSectors() (uint64, error) {
	if ext.Kind == Flat {
		return ext.Size, nil
	}

	grainSize := ext.GrainSize()
	count := uint64(0)
	for start := uint64(0); start < ext.Size; start += grainSize {
		loc, err := ext.Resolve(start, false)
		if err != nil {
			return 0, err
		}
		if loc.Kind != Absent {
			count += min(grainSize, ext.Size-start)
		}
	}
	return count, nil
}
