package source

import (
	"errors"
	"io"
	"sync"
)

// MemorySource implements Source over an in-memory byte slice with
// configurable behaviour for testing. It provides fine-grained control over
// read chunking, injected errors, and size reporting, and records call counts
// so tests can assert on access patterns.
type MemorySource struct {
	mu sync.Mutex

	// data remaining to be read
	data []byte

	// SizeKnown reports len(data) from Size when true; otherwise SizeUnknown.
	SizeKnown bool

	// ChunkSize caps the bytes returned per Read when > 0, forcing short
	// reads so callers' refill paths get exercised.
	ChunkSize int

	// ReadError is returned by the next Read call if set.
	ReadError error

	// FailAfter triggers ReadError only once this many bytes have been
	// served. Zero means ReadError (when set) fires immediately.
	FailAfter int

	// Closed indicates whether Close was called.
	Closed bool

	// ReadCalls records the number of Read calls.
	ReadCalls int

	served int
	size   int64
	name   string
}

// NewMemorySource creates a seekable-style source over data: Size reports the
// full length, like a regular file.
func NewMemorySource(data []byte) *MemorySource {
	return &MemorySource{
		data:      append([]byte(nil), data...),
		SizeKnown: true,
		size:      int64(len(data)),
		name:      "memory",
	}
}

// NewStreamSource creates a pipe-style source over data: Size reports
// SizeUnknown, like standard input or a subprocess.
func NewStreamSource(data []byte) *MemorySource {
	s := NewMemorySource(data)
	s.SizeKnown = false
	s.name = "stream"
	return s
}

func (s *MemorySource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ReadCalls++
	if s.Closed {
		return 0, errors.New("source closed")
	}
	if s.ReadError != nil && s.served >= s.FailAfter {
		return 0, s.ReadError
	}
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	n := len(p)
	if s.ChunkSize > 0 && n > s.ChunkSize {
		n = s.ChunkSize
	}
	if n > len(s.data) {
		n = len(s.data)
	}
	if s.ReadError != nil && s.served+n > s.FailAfter {
		n = s.FailAfter - s.served
		if n <= 0 {
			return 0, s.ReadError
		}
	}
	copy(p, s.data[:n])
	s.data = s.data[n:]
	s.served += n
	return n, nil
}

func (s *MemorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

func (s *MemorySource) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SizeKnown {
		return s.size
	}
	return SizeUnknown
}

func (s *MemorySource) Name() string { return s.name }
