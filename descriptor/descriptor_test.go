package descriptor_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dargueta/punchzero"
	"github.com/dargueta/punchzero/descriptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const snapshotDescriptor = `# Disk DescriptorFile
version=1
encoding="UTF-8"
CID=fffffffe
parentCID=12345678
createType="vmfsSparse"
parentFileNameHint="base.vmdk"
# Extent description
RW 2048 VMFSSPARSE "base-000001-delta.vmdk"

# The Disk Data Base
#DDB

ddb.longContentID = "0123456789abcdef"
`

func TestParse__Snapshot(t *testing.T) {
	desc, err := descriptor.Parse(strings.NewReader(snapshotDescriptor), "/vm/base-000001.vmdk")
	require.NoError(t, err)

	assert.Equal(t, "RW", desc.Access)
	assert.EqualValues(t, 2048, desc.Size)
	assert.Equal(t, descriptor.TypeSparse, desc.Type)
	assert.Equal(t, "base-000001-delta.vmdk", desc.ExtentPath)
	assert.Equal(t, "base.vmdk", desc.ParentHint)
	assert.True(t, desc.HasParent())
	assert.Equal(t, "/vm/base-000001-delta.vmdk", desc.ResolveExtentPath())
	assert.Equal(t, "/vm/base.vmdk", desc.ResolveParentPath())
}

func TestParse__FlatRoot(t *testing.T) {
	text := "  RDONLY 4096 VMFS \"/abs/base-flat.vmdk\"\n"
	desc, err := descriptor.Parse(strings.NewReader(text), "base.vmdk")
	require.NoError(t, err)

	assert.Equal(t, descriptor.TypeFlat, desc.Type)
	assert.False(t, desc.HasParent())
	assert.Equal(t, "", desc.ResolveParentPath())
	assert.Equal(t, "/abs/base-flat.vmdk", desc.ResolveExtentPath())
}

func TestParse__Errors(t *testing.T) {
	testCases := []struct {
		name string
		text string
	}{
		{"no extent", "parentFileNameHint=\"a.vmdk\"\n"},
		{"two extents", "RW 8 VMFS \"a\"\nRW 8 VMFS \"b\"\n"},
		{"two parents", "RW 8 VMFS \"a\"\nparentFileNameHint=\"x\"\nparentFileNameHint = \"y\"\n"},
		{"zero size", "RW 0 VMFS \"a\"\n"},
		{"size overflow", "RW 99999999999999999999999 VMFS \"a\"\n"},
		{"unsupported type only", "RW 8 ZERO\nRW 8 SESPARSE \"a\"\n"},
		{"line too long", "RW 8 VMFS \"a\"\n" + strings.Repeat("x", 70*1024) + "\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := descriptor.Parse(strings.NewReader(tc.text), "test.vmdk")
			assert.ErrorIs(t, err, punchzero.ErrFormat)
		})
	}
}

func TestParseFile__MissingFile(t *testing.T) {
	_, err := descriptor.ParseFile(filepath.Join(t.TempDir(), "missing.vmdk"))
	assert.ErrorIs(t, err, punchzero.ErrIO)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseFile__ReadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.vmdk")
	require.NoError(t, os.WriteFile(path, []byte(snapshotDescriptor), 0o644))

	desc, err := descriptor.ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, desc.Path)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "base.vmdk"), desc.ResolveParentPath())
}
