package ipsum

import (
	"bytes"
	"io"

	"github.com/banshee-data/traffic.replay/internal/source"
)

// lineBufSize is the fixed window the reader refills from its source.
const lineBufSize = 32768

// LineReader yields whole lines from a byte source through a fixed-size
// window. Lines that do not terminate within the window are stitched across
// refills, so a single line may span arbitrarily many reads. The reader
// tracks the exact count of consumed source bytes, terminators included.
type LineReader struct {
	src   source.Source
	buf   []byte
	start int
	end   int
	pos   int64
	eof   bool
}

// NewLineReader wraps an already-opened source.
func NewLineReader(src source.Source) *LineReader {
	return &LineReader{
		src: src,
		buf: make([]byte, lineBufSize),
	}
}

// NextLine returns the next line with its terminator ("\n" or "\r\n")
// stripped, or io.EOF once the source is drained, or the source's read
// error. A final line without a trailing newline is returned before io.EOF.
// The returned slice is only valid until the next NextLine call.
func (r *LineReader) NextLine() ([]byte, error) {
	// Accumulates a line longer than the whole window. Stays nil on the
	// common path.
	var overflow []byte

	for {
		if i := bytes.IndexByte(r.buf[r.start:r.end], '\n'); i >= 0 {
			line := r.buf[r.start : r.start+i]
			r.pos += int64(i) + 1
			r.start += i + 1
			if overflow != nil {
				line = append(overflow, line...)
			}
			return trimCR(line), nil
		}

		if r.eof {
			n := r.end - r.start
			if n == 0 && overflow == nil {
				return nil, io.EOF
			}
			line := r.buf[r.start:r.end]
			r.pos += int64(n)
			r.start = r.end
			if overflow != nil {
				line = append(overflow, line...)
			}
			return trimCR(line), nil
		}

		// Carry the unterminated tail: compact it to the window front, or
		// spill it into the accumulator when it already fills the window.
		if r.start == 0 && r.end == len(r.buf) {
			overflow = append(overflow, r.buf...)
			r.pos += int64(len(r.buf))
			r.end = 0
		} else if r.start > 0 {
			copy(r.buf, r.buf[r.start:r.end])
			r.end -= r.start
		}
		r.start = 0

		n, err := r.src.Read(r.buf[r.end:])
		r.end += n
		switch {
		case err == io.EOF:
			r.eof = true
		case err != nil:
			return nil, err
		}
	}
}

// Position returns the total number of source bytes consumed so far,
// line terminators included.
func (r *LineReader) Position() int64 { return r.pos }

// TotalSize returns the source's total size, or source.SizeUnknown for
// pipes, stdin, and subprocess streams. It never fails.
func (r *LineReader) TotalSize() int64 { return r.src.Size() }

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}
