// Package source abstracts the byte streams a trace replay can read from: a
// plain file, standard input, or the stdout of a decompression subprocess.
// The abstraction enables unit testing the replay pipeline against in-memory
// streams without touching the filesystem or spawning processes.
package source

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// SizeUnknown is reported by Size for streams whose total length cannot be
// known up front (standard input, pipes, subprocess output).
const SizeUnknown int64 = -1

// Source is a readable byte stream feeding the replay pipeline. Read may
// block; Size never fails and reports SizeUnknown where no total length
// exists.
type Source interface {
	io.ReadCloser
	// Size returns the total length of the stream in bytes, or SizeUnknown.
	Size() int64
	// Name returns the path or description the source was opened from.
	Name() string
}

// Opener creates a Source from a name. It exists so embedders can inject
// their own stream construction (for example an in-memory source in tests).
type Opener func(name string) (Source, error)

// Open opens name as a byte source. "-" means standard input. Names ending
// in a recognized compressed extension are opened through a decompression
// subprocess; everything else is read as a plain file.
func Open(name string) (Source, error) {
	if name == "" {
		return nil, fmt.Errorf("empty source name")
	}
	if name == "-" {
		return &stdinSource{r: os.Stdin}, nil
	}
	if prog, args, ok := decompressor(name); ok {
		return startSubprocess(name, prog, args)
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", name, err)
	}
	size := SizeUnknown
	if fi, err := f.Stat(); err == nil && fi.Mode().IsRegular() {
		size = fi.Size()
	}
	return &fileSource{f: f, size: size}, nil
}

// decompressor maps a file extension to the external program that unpacks it.
func decompressor(name string) (prog string, args []string, ok bool) {
	switch {
	case strings.HasSuffix(name, ".gz"), strings.HasSuffix(name, ".Z"):
		return "gzip", []string{"-dc", name}, true
	case strings.HasSuffix(name, ".bz2"):
		return "bzip2", []string{"-dc", name}, true
	}
	return "", nil, false
}

type fileSource struct {
	f    *os.File
	size int64
}

func (s *fileSource) Read(p []byte) (int, error) { return s.f.Read(p) }
func (s *fileSource) Close() error               { return s.f.Close() }
func (s *fileSource) Size() int64                { return s.size }
func (s *fileSource) Name() string               { return s.f.Name() }

// stdinSource reads standard input but never closes it, so a process can run
// several replays in sequence.
type stdinSource struct {
	r io.Reader
}

func (s *stdinSource) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *stdinSource) Close() error               { return nil }
func (s *stdinSource) Size() int64                { return SizeUnknown }
func (s *stdinSource) Name() string               { return "-" }
