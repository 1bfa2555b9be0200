package sparse

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/punchzero"
)

// Grain table entry values with special meaning. Anything larger is the sector
// offset of the grain's data.
const (
	GrainEntryUnallocated = 0
	GrainEntryZero        = 1
)

// GrainDirectory maps a grain table index to the sector offset of that table,
// or 0 if the table was never allocated.
type GrainDirectory []uint32

// GrainTable maps a grain's index within its table to the sector offset of its
// data. See GrainEntryUnallocated and GrainEntryZero.
type GrainTable [GrainTableEntries]uint32

// GrainTableBytes is the encoded size of one grain table.
const GrainTableBytes = GrainTableEntries * 4

// DecodeGrainDirectory decodes `numEntries` directory entries from `data`.
func DecodeGrainDirectory(data []byte, numEntries uint32) (GrainDirectory, error) {
	needed := uint64(numEntries) * 4
	if uint64(len(data)) < needed {
		return nil, punchzero.ErrFormat.WithMessage(
			fmt.Sprintf(
				"grain directory of %d entries needs %d bytes, got %d",
				numEntries,
				needed,
				len(data),
			))
	}

	directory := make(GrainDirectory, numEntries)
	for i := range directory {
		directory[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return directory, nil
}

// Encode serializes the directory.
func (gd GrainDirectory) Encode() []byte {
	output := make([]byte, len(gd)*4)
	gd.EncodeInto(output)
	return output
}

// EncodeInto serializes the directory into the beginning of `output`, which
// must be at least 4*len(gd) bytes long.
func (gd GrainDirectory) EncodeInto(output []byte) {
	for i, entry := range gd {
		binary.LittleEndian.PutUint32(output[i*4:], entry)
	}
}

// DecodeGrainTable decodes one grain table.
func DecodeGrainTable(data []byte) (*GrainTable, error) {
	if len(data) < GrainTableBytes {
		return nil, punchzero.ErrFormat.WithMessage(
			fmt.Sprintf("grain table needs %d bytes, got %d", GrainTableBytes, len(data)))
	}

	table := new(GrainTable)
	for i := range table {
		table[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return table, nil
}

// Encode serializes the table.
func (gt *GrainTable) Encode() []byte {
	output := make([]byte, GrainTableBytes)
	for i, entry := range gt {
		binary.LittleEndian.PutUint32(output[i*4:], entry)
	}
	return output
}
