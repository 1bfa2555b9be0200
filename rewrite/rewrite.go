// Package rewrite produces a compacted copy of a child sparse extent that only
// keeps the grains whose content differs from the parent chain.
//
// The output is written strictly front to back: header and grain directory
// placeholders first, then for every grain directory slot that has at least
// one dirty grain, a grain table followed by that slot's grains. Grain tables
// and finally the header are patched in place once their contents are known.
package rewrite

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/dargueta/punchzero"
	"github.com/dargueta/punchzero/extent"
	"github.com/dargueta/punchzero/sparse"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// metadataAlignment is the byte multiple the header and grain directory are
// rounded up to before the first grain table.
const metadataAlignment = 4096

// OutputSuffix is appended to the child's backing path to name the output.
const OutputSuffix = ".new"

// Options controls a rewrite.
type Options struct {
	Logger logrus.FieldLogger
	// KeepPartial leaves an incomplete output file in place when RewriteFile
	// fails. By default it's removed.
	KeepPartial bool
}

// Stats describes a finished rewrite.
type Stats struct {
	// OwnedGrains is the number of grains the child held.
	OwnedGrains uint64
	// DirtyGrains is the number of grains copied into the output.
	DirtyGrains uint64
	// GrainTables is the number of grain tables written.
	GrainTables uint64
	// FreeSector is the first sector after the last allocation, as recorded in
	// the output header.
	FreeSector uint32
	// TotalSectors is the length of the output, padding included.
	TotalSectors uint64
}

// DroppedGrains returns the number of grains the child held that turned out to
// be identical to the parent chain.
func (s Stats) DroppedGrains() uint64 {
	return s.OwnedGrains - s.DirtyGrains
}

type rewriter struct {
	child     *extent.Extent
	parent    *extent.Extent
	header    *sparse.Header
	directory sparse.GrainDirectory
	sink      *outputSink
	logger    logrus.FieldLogger
	stats     Stats

	childSector  []byte
	parentSector []byte
	grainBuffer  []byte
}

func checkRewritable(child *extent.Extent) error {
	if child.Kind != extent.Sparse {
		return punchzero.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s is a %s extent; only sparse extents can be rewritten", child.Name(), child.Kind))
	}
	if child.Parent == nil {
		return punchzero.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s has no parent to compare against", child.Name()))
	}
	return nil
}

// Rewrite writes the compacted form of `child` to `output`. `child` must be a
// sparse extent with a parent. `output` should be empty; it's written from
// offset 0.
func Rewrite(child *extent.Extent, output io.WriteSeeker, options Options) (Stats, error) {
	if err := checkRewritable(child); err != nil {
		return Stats{}, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	sink, err := newOutputSink(output)
	if err != nil {
		return Stats{}, err
	}

	grainSize := child.GrainSize()
	rw := &rewriter{
		child:        child,
		parent:       child.Parent,
		header:       child.Header.Clone(),
		directory:    make(sparse.GrainDirectory, child.Header.NumGDEntries),
		sink:         sink,
		logger:       logger.WithField("extent", child.Name()),
		childSector:  make([]byte, sparse.SectorSize),
		parentSector: make([]byte, sparse.SectorSize),
		grainBuffer:  make([]byte, grainSize*sparse.SectorSize),
	}

	if err = rw.run(); err != nil {
		return rw.stats, err
	}
	return rw.stats, nil
}

func (rw *rewriter) run() error {
	headerBytes := uint64(rw.header.GDOffset) * sparse.SectorSize
	metadataBytes := roundUp(headerBytes+uint64(rw.header.NumGDEntries)*4, metadataAlignment)
	if metadataBytes/sparse.SectorSize > math.MaxUint32 {
		return punchzero.ErrOutOfRange.WithMessage(
			fmt.Sprintf("grain directory of %s ends past the addressable range", rw.child.Name()))
	}

	// Everything before FreeSector is header and grain directory. It's written
	// as zeros now and filled in at the very end.
	rw.header.FreeSector = uint32(metadataBytes / sparse.SectorSize)
	if err := rw.sink.AppendZeros(int64(metadataBytes)); err != nil {
		return err
	}

	// FreeSector only ever grows, so slots must be handled in order.
	for slot := range rw.directory {
		if err := rw.rewriteSlot(uint64(slot)); err != nil {
			return err
		}
	}

	totalSectors := roundUp(uint64(rw.header.FreeSector), sparse.PaddingAlignment)
	paddingSectors := totalSectors - uint64(rw.header.FreeSector)
	if err := rw.sink.AppendZeros(int64(paddingSectors) * sparse.SectorSize); err != nil {
		return err
	}

	metadata := make([]byte, metadataBytes)
	encodedHeader, err := rw.header.Encode()
	if err != nil {
		return err
	}
	copy(metadata, encodedHeader)
	rw.directory.EncodeInto(metadata[headerBytes:])
	if err = rw.sink.PatchAt(0, metadata); err != nil {
		return err
	}

	rw.stats.FreeSector = rw.header.FreeSector
	rw.stats.TotalSectors = totalSectors
	rw.logger.WithFields(logrus.Fields{
		"owned_grains": rw.stats.OwnedGrains,
		"dirty_grains": rw.stats.DirtyGrains,
		"grain_tables": rw.stats.GrainTables,
		"free_sector":  rw.stats.FreeSector,
		"sectors":      totalSectors,
	}).Debug("rewrite complete")
	return nil
}

// rewriteSlot handles the grains covered by grain directory entry `slot`.
func (rw *rewriter) rewriteSlot(slot uint64) error {
	grainSize := rw.child.GrainSize()
	firstGrain := slot * sparse.GrainTableEntries
	dirty := bitmap.New(sparse.GrainTableEntries)
	dirtyCount := 0

	for index := 0; index < sparse.GrainTableEntries; index++ {
		grain := firstGrain + uint64(index)
		if grain*grainSize >= rw.child.Size {
			break
		}

		owned, isDirty, err := rw.compareGrain(grain)
		if err != nil {
			return err
		}
		if owned {
			rw.stats.OwnedGrains++
		}
		if isDirty {
			dirty.Set(index, true)
			dirtyCount++
		}
	}

	if dirtyCount == 0 {
		return nil
	}

	tableSector, err := rw.allocate(sparse.GrainTableSectors)
	if err != nil {
		return err
	}
	if err = rw.sink.AppendZeros(sparse.GrainTableBytes); err != nil {
		return err
	}

	table := new(sparse.GrainTable)
	for index := 0; index < sparse.GrainTableEntries; index++ {
		if !dirty.Get(index) {
			continue
		}

		grainSector, err := rw.allocate(grainSize)
		if err != nil {
			return err
		}
		if err = rw.copyGrain(firstGrain + uint64(index)); err != nil {
			return err
		}
		table[index] = grainSector
		rw.stats.DirtyGrains++
	}

	err = rw.sink.PatchAt(int64(tableSector)*sparse.SectorSize, table.Encode())
	if err != nil {
		return err
	}
	rw.directory[slot] = tableSector
	rw.stats.GrainTables++

	rw.logger.WithFields(logrus.Fields{
		"slot":         slot,
		"dirty_grains": dirtyCount,
		"table_sector": tableSector,
	}).Debug("wrote grain table")
	return nil
}

// compareGrain reports whether the child holds grain `grain` at all, and if it
// does, whether any sector it holds differs from what the parent chain
// resolves to.
func (rw *rewriter) compareGrain(grain uint64) (owned bool, dirty bool, err error) {
	grainSize := rw.child.GrainSize()
	start := grain * grainSize
	end := min(start+grainSize, rw.child.Size)

	for sector := start; sector < end; sector++ {
		loc, err := rw.child.Resolve(sector, false)
		if err != nil {
			return owned, false, err
		}
		if loc.Kind == extent.Absent {
			continue
		}
		owned = true

		if err = loc.Read(rw.childSector); err != nil {
			return owned, false, err
		}
		if err = rw.parent.ReadResolved(sector, rw.parentSector); err != nil {
			return owned, false, err
		}
		if !bytes.Equal(rw.childSector, rw.parentSector) {
			return owned, true, nil
		}
	}
	return owned, false, nil
}

// copyGrain appends the child's content of every sector in grain `grain` to
// the output. Sectors past the end of the disk are written as zeros.
func (rw *rewriter) copyGrain(grain uint64) error {
	grainSize := rw.child.GrainSize()
	start := grain * grainSize
	clear(rw.grainBuffer)

	for k := uint64(0); k < grainSize && start+k < rw.child.Size; k++ {
		buffer := rw.grainBuffer[k*sparse.SectorSize : (k+1)*sparse.SectorSize]
		if err := rw.child.ReadResolved(start+k, buffer); err != nil {
			return err
		}
	}
	return rw.sink.Append(rw.grainBuffer)
}

// allocate reserves `count` sectors at FreeSector and returns where they start.
func (rw *rewriter) allocate(count uint64) (uint32, error) {
	start := rw.header.FreeSector
	next := uint64(start) + count
	if next > math.MaxUint32 {
		return 0, punchzero.ErrOutOfRange.WithMessage(
			fmt.Sprintf("rewritten extent would exceed %d sectors", uint64(math.MaxUint32)))
	}
	rw.header.FreeSector = uint32(next)
	return start, nil
}

func roundUp(value, multiple uint64) uint64 {
	return (value + multiple - 1) / multiple * multiple
}

// OutputPath returns the path RewriteFile writes to for `child`.
func OutputPath(child *extent.Extent) string {
	return child.BackingPath + OutputSuffix
}

// RewriteFile rewrites the chain's child into OutputPath(child), creating or
// truncating it. It returns the path written.
func RewriteFile(chain *extent.Chain, options Options) (string, Stats, error) {
	child := chain.Child()
	if err := checkRewritable(child); err != nil {
		return "", Stats{}, err
	}

	path := OutputPath(child)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", Stats{}, punchzero.ErrIO.Wrap(
			fmt.Errorf("failed to create new disk %s: %w", path, err))
	}

	stats, err := Rewrite(child, file, options)
	if closeErr := file.Close(); closeErr != nil && err == nil {
		err = punchzero.ErrIO.Wrap(closeErr)
	}
	if err == nil {
		return path, stats, nil
	}

	if !options.KeepPartial {
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			err = multierror.Append(err, punchzero.ErrIO.Wrap(removeErr))
		}
	}
	return "", stats, err
}
