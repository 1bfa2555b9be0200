package extent_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/dargueta/punchzero"
	"github.com/dargueta/punchzero/extent"
	"github.com/dargueta/punchzero/source"
	"github.com/dargueta/punchzero/sparse"
	pztest "github.com/dargueta/punchzero/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSectors   = 2048
	testGrainSize = 128
)

// Resolving any sector of a flat extent gives back that same sector.
func TestResolve__FlatNeverAbsent(t *testing.T) {
	data := pztest.RandomBytes(t, 64*512)
	flat := pztest.OpenExtent(t, data, extent.Flat, 64, sparse.RoleRoot, nil)

	buffer := make([]byte, 512)
	for sector := uint64(0); sector < 64; sector++ {
		for _, recursive := range []bool{false, true} {
			loc, err := flat.Resolve(sector, recursive)
			require.NoError(t, err)
			assert.Equal(t, extent.Data, loc.Kind)
			assert.Equal(t, sector, loc.Sector)
		}
		require.NoError(t, flat.ReadResolved(sector, buffer))
		assert.Equal(t, data[sector*512:(sector+1)*512], buffer)
	}
}

func TestResolve__SparseWithoutParent(t *testing.T) {
	image := pztest.NewSparseImage(testSectors, testGrainSize)
	grainData := pztest.RandomBytes(t, image.GrainBytes())
	image.SetGrain(3, grainData)
	image.SetZeroGrain(5)

	ext := pztest.OpenExtent(
		t, image.Build(t, sparse.RoleRoot), extent.Sparse, testSectors, sparse.RoleRoot, nil)

	// Unallocated grain: absent on its own, zero when resolved recursively.
	loc, err := ext.Resolve(0, false)
	require.NoError(t, err)
	assert.Equal(t, extent.Absent, loc.Kind)

	loc, err = ext.Resolve(0, true)
	require.NoError(t, err)
	assert.Equal(t, extent.Zero, loc.Kind)

	// Explicit zero grain is owned, so it's never absent.
	loc, err = ext.Resolve(5*testGrainSize+7, false)
	require.NoError(t, err)
	assert.Equal(t, extent.Zero, loc.Kind)

	// Allocated grain.
	buffer := make([]byte, 512)
	for k := uint64(0); k < testGrainSize; k++ {
		loc, err = ext.Resolve(3*testGrainSize+k, false)
		require.NoError(t, err)
		require.Equal(t, extent.Data, loc.Kind)
		require.NoError(t, loc.Read(buffer))
		assert.Equal(t, grainData[k*512:(k+1)*512], buffer)
	}

	allocated, err := ext.AllocatedSectors()
	require.NoError(t, err)
	assert.EqualValues(t, 2*testGrainSize, allocated)
}

// Recursive resolution of a sector the child doesn't hold gives the parent's
// recursive resolution, and an explicit zero grain in the child hides the
// parent's data.
func TestResolve__FallsThroughToParent(t *testing.T) {
	parentData := pztest.RandomBytes(t, testSectors*512)
	parent := pztest.OpenExtent(t, parentData, extent.Flat, testSectors, sparse.RoleRoot, nil)

	image := pztest.NewSparseImage(testSectors, testGrainSize)
	childGrain := pztest.RandomBytes(t, image.GrainBytes())
	image.SetGrain(1, childGrain)
	image.SetZeroGrain(2)
	child := pztest.OpenExtent(
		t, image.Build(t, sparse.RoleChild), extent.Sparse, testSectors, sparse.RoleChild, parent)

	buffer := make([]byte, 512)
	for sector := uint64(0); sector < testSectors; sector++ {
		require.NoError(t, child.ReadResolved(sector, buffer))

		var expected []byte
		switch sector / testGrainSize {
		case 1:
			offset := (sector % testGrainSize) * 512
			expected = childGrain[offset : offset+512]
		case 2:
			expected = make([]byte, 512)
		default:
			expected = parentData[sector*512 : (sector+1)*512]
		}
		if !bytes.Equal(expected, buffer) {
			t.Fatalf("sector %d resolved to the wrong data", sector)
		}
	}

	loc, err := child.Resolve(0, false)
	require.NoError(t, err)
	assert.Equal(t, extent.Absent, loc.Kind)

	loc, err = child.Resolve(0, true)
	require.NoError(t, err)
	assert.Equal(t, extent.Data, loc.Kind)
	assert.Same(t, parent, loc.Extent)
}

func TestResolve__OutOfRange(t *testing.T) {
	flat := pztest.OpenExtent(t, make([]byte, 8*512), extent.Flat, 8, sparse.RoleRoot, nil)
	_, err := flat.Resolve(8, true)
	assert.ErrorIs(t, err, punchzero.ErrOutOfRange)
}

// A header whose sector count disagrees with the descriptor is fatal, but only
// once a sector is actually resolved.
func TestResolve__HeaderSizeMismatch(t *testing.T) {
	image := pztest.NewSparseImage(testSectors, testGrainSize)
	ext := pztest.OpenExtent(
		t, image.Build(t, sparse.RoleRoot), extent.Sparse, testSectors-testGrainSize, sparse.RoleRoot, nil)

	_, err := ext.Resolve(0, false)
	assert.ErrorIs(t, err, punchzero.ErrFormat)

	_, err = ext.AllocatedSectors()
	assert.ErrorIs(t, err, punchzero.ErrFormat)
}

// A grain table pointing past the end of the file is an I/O error.
func TestResolve__TruncatedGrainTable(t *testing.T) {
	image := pztest.NewSparseImage(testSectors, testGrainSize)
	image.SetGrain(0, make([]byte, image.GrainBytes()))
	data := image.Build(t, sparse.RoleRoot)

	// Chop off the grain table and data, keeping header and directory.
	truncated := data[:sparse.HeaderSize+512]
	ext := pztest.OpenExtent(t, truncated, extent.Sparse, testSectors, sparse.RoleRoot, nil)

	_, err := ext.Resolve(0, false)
	assert.ErrorIs(t, err, punchzero.ErrIO)
}

// Header fields that size allocations are checked before anything is
// allocated from them.
func TestNew__OversizedHeaderFields(t *testing.T) {
	tests := []struct {
		name   string
		offset int
		value  uint32
	}{
		{"directory entries", 24, 0xffffffff},
		{"directory offset", 20, 0xfffffff0},
		{"grain size", 16, 1 << 31},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			image := pztest.NewSparseImage(testSectors, testGrainSize)
			image.SetGrain(0, make([]byte, image.GrainBytes()))
			data := image.Build(t, sparse.RoleRoot)
			binary.LittleEndian.PutUint32(data[tc.offset:], tc.value)

			src, err := source.NewWindow(bytes.NewReader(data), int64(len(data)), 8, 4)
			require.NoError(t, err)
			defer src.Close()

			_, err = extent.New(extent.Sparse, testSectors, src, sparse.RoleRoot, 4)
			assert.ErrorIs(t, err, punchzero.ErrFormat)
		})
	}
}

func TestLocation__ReadAbsentFails(t *testing.T) {
	err := extent.Location{Kind: extent.Absent}.Read(make([]byte, 512))
	assert.ErrorIs(t, err, punchzero.ErrInvalidArgument)

	err = extent.Location{Kind: extent.Zero}.Read(make([]byte, 100))
	assert.ErrorIs(t, err, punchzero.ErrInvalidArgument)
}

func TestKindFromType(t *testing.T) {
	kind, err := extent.KindFromType("VMFS")
	require.NoError(t, err)
	assert.Equal(t, extent.Flat, kind)

	kind, err = extent.KindFromType("VMFSSPARSE")
	require.NoError(t, err)
	assert.Equal(t, extent.Sparse, kind)

	_, err = extent.KindFromType("SESPARSE")
	assert.ErrorIs(t, err, punchzero.ErrFormat)
}
