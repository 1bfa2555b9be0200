// Package descriptor parses the text descriptor files that name an extent's
// backing file and, for snapshots, the descriptor of the parent disk.
//
// Only two kinds of lines are significant; everything else is ignored:
//
//	RW 2048 VMFSSPARSE "disk-delta.vmdk"
//	parentFileNameHint = "disk.vmdk"
//
// Parsing never follows the parent link. Building a chain is the caller's job,
// see extent.LoadChain.
package descriptor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/dargueta/punchzero"
)

// Extent types accepted in an extent line.
const (
	TypeFlat   = "VMFS"
	TypeSparse = "VMFSSPARSE"
)

var extentPattern = regexp.MustCompile(
	`^\s*(RW|RDONLY|NOACCESS)\s+(\d+)\s+(VMFS|VMFSSPARSE)\s+"([^"]+)"`)
var parentPattern = regexp.MustCompile(`^\s*parentFileNameHint\s*=\s*"([^"]+)"`)

const maxLineLength = 64 * 1024

// Descriptor is the parsed content of one descriptor file.
type Descriptor struct {
	// Path is the name the descriptor was parsed from.
	Path string
	// Access is the access mode of the extent line. It's informational only.
	Access string
	// Size is the extent's size, in sectors.
	Size uint64
	// Type is either TypeFlat or TypeSparse.
	Type string
	// ExtentPath is the backing file exactly as written in the descriptor.
	ExtentPath string
	// ParentHint is the parent descriptor as written, or "" for a root disk.
	ParentHint string
}

// HasParent returns true if the descriptor links to a parent descriptor.
func (d *Descriptor) HasParent() bool {
	return d.ParentHint != ""
}

// ResolveExtentPath returns the backing file path, anchored on the directory
// containing the descriptor if it's relative.
func (d *Descriptor) ResolveExtentPath() string {
	return d.resolve(d.ExtentPath)
}

// ResolveParentPath is ResolveExtentPath for the parent hint. It returns "" if
// there is no parent.
func (d *Descriptor) ResolveParentPath() string {
	if !d.HasParent() {
		return ""
	}
	return d.resolve(d.ParentHint)
}

func (d *Descriptor) resolve(target string) string {
	if filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(filepath.Dir(d.Path), target)
}

// Parse reads a descriptor from `r`. `name` is used for error messages and as
// the anchor for relative paths.
func Parse(r io.Reader, name string) (*Descriptor, error) {
	result := &Descriptor{Path: name}
	foundExtent := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxLineLength)

	for scanner.Scan() {
		line := scanner.Text()

		if match := extentPattern.FindStringSubmatch(line); match != nil {
			if foundExtent {
				return nil, punchzero.ErrFormat.WithMessage(
					fmt.Sprintf("only one extent is supported in descriptor %s", name))
			}

			size, err := strconv.ParseUint(match[2], 10, 64)
			if err != nil {
				return nil, punchzero.ErrFormat.WithMessage(
					fmt.Sprintf("bad extent size %q in descriptor %s", match[2], name))
			}
			if size == 0 {
				return nil, punchzero.ErrFormat.WithMessage(
					fmt.Sprintf("zero-sized extent in descriptor %s", name))
			}

			foundExtent = true
			result.Access = match[1]
			result.Size = size
			result.Type = match[3]
			result.ExtentPath = match[4]
		} else if match := parentPattern.FindStringSubmatch(line); match != nil {
			if result.HasParent() {
				return nil, punchzero.ErrFormat.WithMessage(
					fmt.Sprintf("only one parent is supported in %s", name))
			}
			result.ParentHint = match[1]
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, punchzero.ErrFormat.WithMessage(
				fmt.Sprintf("line too long in descriptor %s", name))
		}
		return nil, punchzero.ErrIO.Wrap(err)
	}

	if !foundExtent {
		return nil, punchzero.ErrFormat.WithMessage(
			fmt.Sprintf("no extent found in descriptor %s", name))
	}
	return result, nil
}

// ParseFile opens and parses the descriptor at `path`.
func ParseFile(path string) (*Descriptor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, punchzero.ErrIO.Wrap(
			fmt.Errorf("failed to open descriptor %s: %w", path, err))
	}
	defer file.Close()

	return Parse(file, path)
}
