// Package sparse implements the on-disk layout of a VMFSSPARSE ("COWDisk")
// extent: the 2048-byte header, the grain directory, and grain tables.
//
// All integers are little-endian. Offsets stored in the header, the grain
// directory and grain tables are expressed in 512-byte sectors.
//
//	byte    0: header (2048 bytes)
//	gdOffset*512: grain directory, numGDEntries x uint32
//	...: grain tables (4096 x uint32 each) and grain data
package sparse

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dargueta/punchzero"
	"github.com/noxer/bytewriter"
)

const (
	SectorSize = 512
	HeaderSize = 2048

	// GrainTableEntries is the number of grains covered by one grain table.
	GrainTableEntries = 4096
	// GrainTableSectors is the on-disk size of a grain table, in sectors.
	GrainTableSectors = GrainTableEntries * 4 / SectorSize
	// PaddingAlignment is the sector multiple a rewritten extent is padded to.
	PaddingAlignment = 32768
	// MaxGrainSize is the largest grain size accepted, in sectors.
	MaxGrainSize = 65536

	MaxParentFileNameLen = 1024
	MaxNameLen           = 60
	MaxDescriptionLen    = 512

	unionSize = MaxParentFileNameLen + 4
)

// Role selects which shape of the header's union is in use. The root of a
// chain stores its disk geometry there, every other extent stores a link to
// its parent.
type Role int

const (
	RoleRoot Role = iota
	RoleChild
)

func (r Role) String() string {
	switch r {
	case RoleRoot:
		return "root"
	case RoleChild:
		return "child"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Geometry is the union shape used by root extents.
type Geometry struct {
	Cylinders uint32
	Heads     uint32
	Sectors   uint32
	// Unused holds the rest of the union verbatim.
	Unused [unionSize - 12]byte
}

// ParentInfo is the union shape used by child extents.
type ParentInfo struct {
	FileName   [MaxParentFileNameLen]byte
	Generation uint32
}

// FileNameString returns the parent file name up to the first null byte.
func (p *ParentInfo) FileNameString() string {
	return cString(p.FileName[:])
}

// Header is a decoded sparse extent header. Exactly one of Geometry and Parent
// is set, depending on the Role it was decoded with.
type Header struct {
	MagicNumber  uint32
	Version      uint32
	Flags        uint32
	NumSectors   uint32
	GrainSize    uint32
	GDOffset     uint32
	NumGDEntries uint32
	FreeSector   uint32

	Geometry *Geometry
	Parent   *ParentInfo

	Generation      uint32
	Name            [MaxNameLen]byte
	Description     [MaxDescriptionLen]byte
	SavedGeneration uint32
	Reserved        [8]byte
	UncleanShutdown uint32
	Padding         [396]byte
}

// rawHeader mirrors the packed on-disk record. encoding/binary never inserts
// alignment padding, so its encoded size is exactly HeaderSize.
type rawHeader struct {
	MagicNumber     uint32
	Version         uint32
	Flags           uint32
	NumSectors      uint32
	GrainSize       uint32
	GDOffset        uint32
	NumGDEntries    uint32
	FreeSector      uint32
	Union           [unionSize]byte
	Generation      uint32
	Name            [MaxNameLen]byte
	Description     [MaxDescriptionLen]byte
	SavedGeneration uint32
	Reserved        [8]byte
	UncleanShutdown uint32
	Padding         [396]byte
}

// DecodeHeader decodes the first HeaderSize bytes of `data`. No cross-field
// checks are made; see [Header.Validate].
func DecodeHeader(data []byte, role Role) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, punchzero.ErrFormat.WithMessage(
			fmt.Sprintf("sparse header needs %d bytes, got %d", HeaderSize, len(data)))
	}

	var raw rawHeader
	err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &raw)
	if err != nil {
		return nil, punchzero.ErrFormat.Wrap(err)
	}

	header := &Header{
		MagicNumber:     raw.MagicNumber,
		Version:         raw.Version,
		Flags:           raw.Flags,
		NumSectors:      raw.NumSectors,
		GrainSize:       raw.GrainSize,
		GDOffset:        raw.GDOffset,
		NumGDEntries:    raw.NumGDEntries,
		FreeSector:      raw.FreeSector,
		Generation:      raw.Generation,
		Name:            raw.Name,
		Description:     raw.Description,
		SavedGeneration: raw.SavedGeneration,
		Reserved:        raw.Reserved,
		UncleanShutdown: raw.UncleanShutdown,
		Padding:         raw.Padding,
	}

	union := raw.Union[:]
	switch role {
	case RoleRoot:
		geometry := &Geometry{
			Cylinders: binary.LittleEndian.Uint32(union[0:4]),
			Heads:     binary.LittleEndian.Uint32(union[4:8]),
			Sectors:   binary.LittleEndian.Uint32(union[8:12]),
		}
		copy(geometry.Unused[:], union[12:])
		header.Geometry = geometry
	case RoleChild:
		parent := &ParentInfo{
			Generation: binary.LittleEndian.Uint32(union[MaxParentFileNameLen:]),
		}
		copy(parent.FileName[:], union[:MaxParentFileNameLen])
		header.Parent = parent
	default:
		return nil, punchzero.ErrInvalidArgument.WithMessage(role.String())
	}
	return header, nil
}

// Role reports which union shape the header carries.
func (h *Header) Role() Role {
	if h.Parent != nil {
		return RoleChild
	}
	return RoleRoot
}

// Encode serializes the header back into its exact on-disk form.
func (h *Header) Encode() ([]byte, error) {
	if (h.Geometry == nil) == (h.Parent == nil) {
		return nil, punchzero.ErrInvalidArgument.WithMessage(
			"header must carry exactly one of geometry or parent info")
	}

	raw := rawHeader{
		MagicNumber:     h.MagicNumber,
		Version:         h.Version,
		Flags:           h.Flags,
		NumSectors:      h.NumSectors,
		GrainSize:       h.GrainSize,
		GDOffset:        h.GDOffset,
		NumGDEntries:    h.NumGDEntries,
		FreeSector:      h.FreeSector,
		Generation:      h.Generation,
		Name:            h.Name,
		Description:     h.Description,
		SavedGeneration: h.SavedGeneration,
		Reserved:        h.Reserved,
		UncleanShutdown: h.UncleanShutdown,
		Padding:         h.Padding,
	}

	union := raw.Union[:]
	if h.Geometry != nil {
		binary.LittleEndian.PutUint32(union[0:4], h.Geometry.Cylinders)
		binary.LittleEndian.PutUint32(union[4:8], h.Geometry.Heads)
		binary.LittleEndian.PutUint32(union[8:12], h.Geometry.Sectors)
		copy(union[12:], h.Geometry.Unused[:])
	} else {
		copy(union[:MaxParentFileNameLen], h.Parent.FileName[:])
		binary.LittleEndian.PutUint32(union[MaxParentFileNameLen:], h.Parent.Generation)
	}

	output := make([]byte, HeaderSize)
	writer := bytewriter.New(output)
	if err := binary.Write(writer, binary.LittleEndian, &raw); err != nil {
		return nil, punchzero.ErrFormat.Wrap(err)
	}
	return output, nil
}

// Clone returns a deep copy of the header.
func (h *Header) Clone() *Header {
	clone := *h
	if h.Geometry != nil {
		geometry := *h.Geometry
		clone.Geometry = &geometry
	}
	if h.Parent != nil {
		parent := *h.Parent
		clone.Parent = &parent
	}
	return &clone
}

// GrainTableCoverage gives the number of sectors addressed by one grain table.
func (h *Header) GrainTableCoverage() uint64 {
	return uint64(h.GrainSize) * GrainTableEntries
}

// DirectoryOffset gives the byte offset of the grain directory.
func (h *Header) DirectoryOffset() int64 {
	return int64(h.GDOffset) * SectorSize
}

// Validate checks that the fields the resolver and the rewriter index with are
// structurally usable. It deliberately ignores NumSectors against the
// descriptor; that's checked on every resolution.
func (h *Header) Validate() error {
	if h.GrainSize == 0 || h.GrainSize&(h.GrainSize-1) != 0 {
		return punchzero.ErrFormat.WithMessage(
			fmt.Sprintf("grain size %d is not a power of two", h.GrainSize))
	}
	if h.GrainSize > MaxGrainSize {
		return punchzero.ErrFormat.WithMessage(
			fmt.Sprintf("grain size %d exceeds the maximum of %d sectors", h.GrainSize, MaxGrainSize))
	}
	if h.DirectoryOffset() < HeaderSize {
		return punchzero.ErrFormat.WithMessage(
			fmt.Sprintf("grain directory at sector %d overlaps the header", h.GDOffset))
	}

	needed := (uint64(h.NumSectors) + h.GrainTableCoverage() - 1) / h.GrainTableCoverage()
	if uint64(h.NumGDEntries) < needed {
		return punchzero.ErrFormat.WithMessage(
			fmt.Sprintf(
				"%d grain directory entries can't cover %d sectors (need %d)",
				h.NumGDEntries,
				h.NumSectors,
				needed,
			))
	}
	return nil
}

func cString(data []byte) string {
	if end := bytes.IndexByte(data, 0); end >= 0 {
		return string(data[:end])
	}
	return string(data)
}
