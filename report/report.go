// Package report summarizes how much of each extent in a chain is allocated,
// and the effect of a rewrite.
package report

import (
	"fmt"
	"io"

	"github.com/dargueta/punchzero"
	"github.com/dargueta/punchzero/extent"
	"github.com/dargueta/punchzero/rewrite"
	"github.com/dargueta/punchzero/sparse"
	"github.com/dustin/go-humanize"
	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"
)

// Entry is the allocation summary of one extent.
type Entry struct {
	Descriptor string `csv:"descriptor"`
	// Allocated is the number of sectors the extent holds itself, without
	// falling through to a parent.
	Allocated uint64 `csv:"allocated_sectors"`
	Total     uint64 `csv:"total_sectors"`
	Type      string `csv:"type"`
}

// String formats the entry as "<descriptor>:<allocated>/<total> <type>".
func (e Entry) String() string {
	return fmt.Sprintf("%s:%d/%d %s", e.Descriptor, e.Allocated, e.Total, e.Type)
}

// Summarize returns one entry per extent in the chain, child first. Ancestors
// are named by the parent hint as written, not the resolved path.
func Summarize(chain *extent.Chain) ([]Entry, error) {
	entries := make([]Entry, 0, chain.Len())
	for i, ext := range chain.Extents {
		allocated, err := ext.AllocatedSectors()
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Descriptor: chain.DescriptorName(i),
			Allocated:  allocated,
			Total:      ext.Size,
			Type:       ext.Kind.String(),
		})
	}
	return entries, nil
}

// WriteLines writes each entry on its own line.
func WriteLines(w io.Writer, entries []Entry) error {
	for _, entry := range entries {
		if _, err := fmt.Fprintln(w, entry.String()); err != nil {
			return punchzero.ErrIO.Wrap(err)
		}
	}
	return nil
}

// WriteCSV writes the entries as CSV with a header row.
func WriteCSV(w io.Writer, entries []Entry) error {
	if err := gocsv.Marshal(entries, w); err != nil {
		return punchzero.ErrIO.Wrap(err)
	}
	return nil
}

// LogStats logs the outcome of a rewrite. `inputBytes` is the size of the
// child's backing file before the rewrite.
func LogStats(logger logrus.FieldLogger, stats rewrite.Stats, inputBytes int64) {
	outputBytes := stats.TotalSectors * sparse.SectorSize
	logger.WithFields(logrus.Fields{
		"owned_grains":   stats.OwnedGrains,
		"dirty_grains":   stats.DirtyGrains,
		"dropped_grains": stats.DroppedGrains(),
		"grain_tables":   stats.GrainTables,
		"free_sector":    stats.FreeSector,
		"input_size":     humanize.IBytes(uint64(max(inputBytes, 0))),
		"output_size":    humanize.IBytes(outputBytes),
	}).Info("rewrote child extent")
}
