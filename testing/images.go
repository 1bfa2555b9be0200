package testing

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/dargueta/punchzero/descriptor"
	"github.com/dargueta/punchzero/extent"
	"github.com/dargueta/punchzero/source"
	"github.com/dargueta/punchzero/sparse"
	"github.com/noxer/bytewriter"
	"github.com/stretchr/testify/require"
)

// SparseMagic is "COWD" read as a little-endian integer.
const SparseMagic = 0x44574f43

// directoryOffset is where generated images put their grain directory, in
// sectors: immediately after the header.
const directoryOffset = sparse.HeaderSize / sparse.SectorSize

// RandomBytes returns `size` random bytes or fails the test.
func RandomBytes(t *testing.T, size int) []byte {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoErrorf(t, err, "failed to generate %d random bytes", size)
	return data
}

// SparseImage describes the contents of a sparse extent to generate. Grains
// that are never set are left unallocated.
type SparseImage struct {
	NumSectors uint32
	GrainSize  uint32
	// grains maps a grain index to its data; nil data marks a zero grain.
	grains map[uint64][]byte
}

// NewSparseImage creates an empty sparse image description.
func NewSparseImage(numSectors, grainSize uint32) *SparseImage {
	return &SparseImage{
		NumSectors: numSectors,
		GrainSize:  grainSize,
		grains:     map[uint64][]byte{},
	}
}

// GrainBytes returns the size of one grain, in bytes.
func (img *SparseImage) GrainBytes() int {
	return int(img.GrainSize) * sparse.SectorSize
}

// NumGrains returns the number of grains needed to cover the image.
func (img *SparseImage) NumGrains() uint64 {
	return (uint64(img.NumSectors) + uint64(img.GrainSize) - 1) / uint64(img.GrainSize)
}

// NumDirectoryEntries returns the number of grain directory entries needed to
// cover the image.
func (img *SparseImage) NumDirectoryEntries() uint32 {
	coverage := uint64(img.GrainSize) * sparse.GrainTableEntries
	return uint32((uint64(img.NumSectors) + coverage - 1) / coverage)
}

// SetGrain stores `data`, which must be exactly one grain long, as the content
// of grain `grain`.
func (img *SparseImage) SetGrain(grain uint64, data []byte) {
	if len(data) != img.GrainBytes() {
		panic(fmt.Sprintf("grain data must be %d bytes, got %d", img.GrainBytes(), len(data)))
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	img.grains[grain] = stored
}

// SetZeroGrain marks grain `grain` as an explicit zero grain.
func (img *SparseImage) SetZeroGrain(grain uint64) {
	img.grains[grain] = nil
}

// Grains returns the indexes of all grains that have been set, in order.
func (img *SparseImage) Grains() []uint64 {
	indexes := make([]uint64, 0, len(img.grains))
	for grain := range img.grains {
		indexes = append(indexes, grain)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes
}

// Build lays the image out the way a hypervisor would: header, grain
// directory, then for each allocated grain table the table followed by its
// grains.
func (img *SparseImage) Build(t *testing.T, role sparse.Role) []byte {
	numDirectoryEntries := img.NumDirectoryEntries()
	directory := make(sparse.GrainDirectory, numDirectoryEntries)
	tables := map[uint64]*sparse.GrainTable{}
	dataOffsets := map[uint64]uint32{}

	metadataBytes := uint32(sparse.HeaderSize) + numDirectoryEntries*4
	freeSector := (metadataBytes + sparse.SectorSize - 1) / sparse.SectorSize

	for _, grain := range img.Grains() {
		slot := grain / sparse.GrainTableEntries
		require.Lessf(t, slot, uint64(numDirectoryEntries), "grain %d is out of range", grain)

		table, ok := tables[slot]
		if !ok {
			table = new(sparse.GrainTable)
			tables[slot] = table
			directory[slot] = freeSector
			freeSector += sparse.GrainTableSectors
		}

		if img.grains[grain] == nil {
			table[grain%sparse.GrainTableEntries] = sparse.GrainEntryZero
			continue
		}
		table[grain%sparse.GrainTableEntries] = freeSector
		dataOffsets[grain] = freeSector
		freeSector += img.GrainSize
	}

	header := &sparse.Header{
		MagicNumber:  SparseMagic,
		Version:      1,
		Flags:        3,
		NumSectors:   img.NumSectors,
		GrainSize:    img.GrainSize,
		GDOffset:     directoryOffset,
		NumGDEntries: numDirectoryEntries,
		FreeSector:   freeSector,
		Generation:   1,
	}
	if role == sparse.RoleRoot {
		header.Geometry = &sparse.Geometry{Cylinders: 2, Heads: 16, Sectors: 63}
	} else {
		header.Parent = &sparse.ParentInfo{Generation: 1}
		copy(header.Parent.FileName[:], "parent.vmdk")
	}

	encodedHeader, err := header.Encode()
	require.NoError(t, err)

	output := make([]byte, int(freeSector)*sparse.SectorSize)
	writer := bytewriter.New(output)
	_, err = writer.Write(encodedHeader)
	require.NoError(t, err)
	directory.EncodeInto(output[directoryOffset*sparse.SectorSize:])

	for slot, table := range tables {
		copy(output[int(directory[slot])*sparse.SectorSize:], table.Encode())
	}
	for grain, offset := range dataOffsets {
		copy(output[int(offset)*sparse.SectorSize:], img.grains[grain])
	}
	return output
}

// Layer is one level of a generated chain. Exactly one of Flat and Sparse must
// be set.
type Layer struct {
	Flat   []byte
	Sparse *SparseImage
}

// ChainFiles are the paths generated by WriteChain, child first.
type ChainFiles struct {
	Descriptors []string
	Extents     []string
}

// WriteChain writes the extents and descriptors for `layers`, child first, into
// `dir`. Every descriptor declares `size` sectors.
func WriteChain(t *testing.T, dir string, size uint64, layers ...Layer) ChainFiles {
	require.NotEmpty(t, layers, "a chain needs at least one layer")

	var files ChainFiles
	for i := range layers {
		files.Descriptors = append(files.Descriptors, filepath.Join(dir, fmt.Sprintf("disk-%d.vmdk", i)))
	}

	for i, layer := range layers {
		var data []byte
		var extentType, extentName string

		if layer.Sparse != nil {
			role := sparse.RoleChild
			if i == len(layers)-1 {
				role = sparse.RoleRoot
			}
			data = layer.Sparse.Build(t, role)
			extentType = descriptor.TypeSparse
			extentName = fmt.Sprintf("disk-%d-delta.vmdk", i)
		} else {
			data = layer.Flat
			extentType = descriptor.TypeFlat
			extentName = fmt.Sprintf("disk-%d-flat.vmdk", i)
		}

		extentPath := filepath.Join(dir, extentName)
		require.NoError(t, os.WriteFile(extentPath, data, 0o644))
		files.Extents = append(files.Extents, extentPath)

		var text bytes.Buffer
		fmt.Fprintf(&text, "# Disk DescriptorFile\nversion=1\nCID=%08x\n", i+1)
		if i+1 < len(layers) {
			fmt.Fprintf(&text, "parentFileNameHint=\"%s\"\n", filepath.Base(files.Descriptors[i+1]))
		}
		fmt.Fprintf(&text, "\n# Extent description\nRW %d %s \"%s\"\n", size, extentType, extentName)
		require.NoError(t, os.WriteFile(files.Descriptors[i], text.Bytes(), 0o644))
	}
	return files
}

// OpenExtent wraps in-memory extent data in an Extent. `parent` may be nil.
func OpenExtent(
	t *testing.T,
	data []byte,
	kind extent.Kind,
	size uint64,
	role sparse.Role,
	parent *extent.Extent,
) *extent.Extent {
	src, err := source.NewWindow(bytes.NewReader(data), int64(len(data)), 8, 4)
	require.NoError(t, err)

	ext, err := extent.New(kind, size, src, role, extent.DefaultGrainTableCacheSize)
	require.NoError(t, err)
	ext.Parent = parent
	t.Cleanup(func() { ext.Close() })
	return ext
}

// GrainTableEntry reads entry `grain` from an encoded sparse extent, going
// through the grain directory. It returns 0 if the grain table isn't
// allocated.
func GrainTableEntry(t *testing.T, data []byte, grain uint64) uint32 {
	header, err := sparse.DecodeHeader(data, sparse.RoleChild)
	require.NoError(t, err)

	slot := grain / sparse.GrainTableEntries
	require.Less(t, slot, uint64(header.NumGDEntries))

	entryOffset := header.DirectoryOffset() + int64(slot)*4
	tableSector := binary.LittleEndian.Uint32(data[entryOffset:])
	if tableSector == 0 {
		return 0
	}

	tableOffset := int64(tableSector)*sparse.SectorSize + int64(grain%sparse.GrainTableEntries)*4
	return binary.LittleEndian.Uint32(data[tableOffset:])
}
