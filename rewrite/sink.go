package rewrite

import (
	"fmt"
	"io"

	"github.com/dargueta/punchzero"
)

const zeroChunkSize = 64 * 1024

// outputSink wraps the destination stream. It keeps track of the append
// cursor so that metadata can be patched anywhere without losing the place
// where the next allocation goes.
type outputSink struct {
	stream   io.WriteSeeker
	position int64
	zeros    []byte
}

func newOutputSink(stream io.WriteSeeker) (*outputSink, error) {
	position, err := stream.Seek(0, io.SeekStart)
	if err != nil {
		return nil, punchzero.ErrIO.Wrap(err)
	}
	return &outputSink{
		stream:   stream,
		position: position,
		zeros:    make([]byte, zeroChunkSize),
	}, nil
}

// Append writes `data` at the append cursor and advances it.
func (sink *outputSink) Append(data []byte) error {
	n, err := sink.stream.Write(data)
	sink.position += int64(n)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return punchzero.ErrIO.Wrap(
			fmt.Errorf("failed to write %d bytes at offset %d: %w", len(data), sink.position, err))
	}
	return nil
}

// AppendZeros writes `count` null bytes at the append cursor.
func (sink *outputSink) AppendZeros(count int64) error {
	for count > 0 {
		chunk := min(count, int64(len(sink.zeros)))
		if err := sink.Append(sink.zeros[:chunk]); err != nil {
			return err
		}
		count -= chunk
	}
	return nil
}

// PatchAt overwrites already-written bytes at `offset`, then returns to the
// append cursor.
func (sink *outputSink) PatchAt(offset int64, data []byte) error {
	if offset+int64(len(data)) > sink.position {
		return punchzero.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"patch of %d bytes at %d extends past the end of written data (%d)",
				len(data),
				offset,
				sink.position,
			))
	}

	if _, err := sink.stream.Seek(offset, io.SeekStart); err != nil {
		return punchzero.ErrIO.Wrap(err)
	}

	n, err := sink.stream.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return punchzero.ErrIO.Wrap(
			fmt.Errorf("failed to patch %d bytes at offset %d: %w", len(data), offset, err))
	}

	if _, err = sink.stream.Seek(sink.position, io.SeekStart); err != nil {
		return punchzero.ErrIO.Wrap(err)
	}
	return nil
}
