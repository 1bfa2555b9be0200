package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dargueta/punchzero"
	pztest "github.com/dargueta/punchzero/testing"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSnapshot(t *testing.T) pztest.ChainFiles {
	image := pztest.NewSparseImage(2048, 128)
	grain := make([]byte, image.GrainBytes())
	copy(grain[5*512:], "changed")
	image.SetGrain(0, grain)

	return pztest.WriteChain(
		t, t.TempDir(), 2048,
		pztest.Layer{Sparse: image},
		pztest.Layer{Flat: make([]byte, 2048*512)},
	)
}

func runCommand(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	status := run(append([]string{"punchzero"}, args...), &stdout, &stderr)
	return status, stdout.String(), stderr.String()
}

func TestRun__WrongArgumentCount(t *testing.T) {
	for _, args := range [][]string{{}, {"a.vmdk", "b.vmdk"}} {
		status, stdout, _ := runCommand(args...)
		assert.Equal(t, 0, status)
		assert.Equal(t, "punchzero snapshot.vmdk\n", stdout)
	}
}

func TestRun__Success(t *testing.T) {
	files := writeSnapshot(t)

	status, stdout, _ := runCommand(files.Descriptors[0])
	require.Equal(t, 0, status, stdout)

	expected := fmt.Sprintf(
		"%s:128/2048 VMFSSPARSE\ndisk-1.vmdk:2048/2048 VMFS\n", files.Descriptors[0])
	assert.Equal(t, expected, stdout)

	info, err := os.Stat(files.Extents[0] + ".new")
	require.NoError(t, err)
	assert.EqualValues(t, 32768*512, info.Size())
}

func TestRun__FlatChildOnlySummarizes(t *testing.T) {
	files := pztest.WriteChain(t, t.TempDir(), 16, pztest.Layer{Flat: make([]byte, 16*512)})

	status, stdout, _ := runCommand(files.Descriptors[0])
	require.Equal(t, 0, status)
	assert.Equal(t, files.Descriptors[0]+":16/16 VMFS\n", stdout)
	assert.NoFileExists(t, files.Extents[0]+".new")
}

func TestRun__FailurePrintsOneLine(t *testing.T) {
	status, stdout, _ := runCommand(filepath.Join(t.TempDir(), "missing.vmdk"))
	assert.Equal(t, 1, status)
	assert.Equal(t, 1, strings.Count(stdout, "\n"))
	assert.Contains(t, stdout, "missing.vmdk")
}

func TestRun__OversizedGrainDirectory(t *testing.T) {
	files := writeSnapshot(t)
	data, err := os.ReadFile(files.Extents[0])
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[24:], 0xffffffff)
	require.NoError(t, os.WriteFile(files.Extents[0], data, 0o644))

	status, stdout, _ := runCommand(files.Descriptors[0])
	assert.Equal(t, 1, status)
	assert.Equal(t, 1, strings.Count(stdout, "\n"))
	assert.Contains(t, stdout, "grain directory")
}

func TestRun__InvalidFlagValue(t *testing.T) {
	files := writeSnapshot(t)
	status, stdout, _ := runCommand("--backend", "nbd", files.Descriptors[0])
	assert.Equal(t, 1, status)
	assert.Contains(t, stdout, "backend")
	assert.NoFileExists(t, files.Extents[0]+".new")
}

func TestRun__CSVAndConfigFile(t *testing.T) {
	files := writeSnapshot(t)
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "summary.csv")
	configPath := filepath.Join(dir, "punchzero.yaml")
	require.NoError(t, os.WriteFile(
		configPath, []byte("backend: mmap\ncsv: "+csvPath+"\nlog_level: debug\n"), 0o644))

	status, stdout, stderr := runCommand("--config", configPath, files.Descriptors[0])
	require.Equal(t, 0, status, stdout)
	assert.Contains(t, stderr, "rewrote child extent")

	csv, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(
		t,
		fmt.Sprintf(
			"descriptor,allocated_sectors,total_sectors,type\n%s,128,2048,VMFSSPARSE\ndisk-1.vmdk,2048,2048,VMFS\n",
			files.Descriptors[0],
		),
		string(csv),
	)
}

func TestRun__EnvironmentOverridesConfigFile(t *testing.T) {
	files := writeSnapshot(t)
	configPath := filepath.Join(t.TempDir(), "punchzero.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("backend: mmap\n"), 0o644))

	t.Setenv("PUNCHZERO_CONFIG", configPath)
	t.Setenv("PUNCHZERO_BACKEND", "bogus")

	status, stdout, _ := runCommand(files.Descriptors[0])
	assert.Equal(t, 1, status)
	assert.Contains(t, stdout, "bogus")
}

// A failure combined with a cleanup failure is still reported on one line.
func TestDiagnostic__CombinedErrorsOnOneLine(t *testing.T) {
	err := multierror.Append(
		punchzero.ErrIO.WithMessage("failed to write"),
		errors.New("failed to close"),
	)

	message := diagnostic(err)
	assert.NotContains(t, message, "\n")
	assert.Equal(t, "Input/output error: failed to write; failed to close", message)
}
