package source

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// subprocessSource exposes the stdout of a decompression subprocess as a byte
// stream. The child's stderr passes through to the parent's so complaints
// from the decompressor stay visible.
type subprocessSource struct {
	name string
	cmd  *exec.Cmd
	out  io.ReadCloser
}

func startSubprocess(name, prog string, args []string) (*subprocessSource, error) {
	cmd := exec.Command(prog, args...)
	cmd.Stderr = os.Stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe %s: %w", prog, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s for %s: %w", prog, name, err)
	}
	return &subprocessSource{name: name, cmd: cmd, out: out}, nil
}

func (s *subprocessSource) Read(p []byte) (int, error) { return s.out.Read(p) }

// Close tears the pipe down and reaps the child. Killing before Wait covers
// the case where the reader stops mid-stream.
func (s *subprocessSource) Close() error {
	s.out.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	return nil
}

func (s *subprocessSource) Size() int64  { return SizeUnknown }
func (s *subprocessSource) Name() string { return s.name }
