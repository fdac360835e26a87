package stream

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// InputSpec describes what a transcoding process should consume and how.
type InputSpec struct {
	Source  string
	Profile string
}

// Runner starts transcoding subprocesses. Implementations must return
// quickly: readiness (first output bytes) is observed by the caller, not
// awaited by Start.
type Runner interface {
	Start(spec InputSpec) (Process, error)
}

// Process is a handle to one running transcoding subprocess. It is owned
// by exactly one stream handle and never shared.
type Process interface {
	// Output is the transcoded byte stream. It reaches EOF when the
	// process exits.
	Output() io.ReadCloser

	// Alive reports whether the process has not yet exited.
	Alive() bool

	// ExitCode returns the exit code once the process has terminated.
	ExitCode() (code int, exited bool)

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// Stop terminates the process. With graceful set it sends a
	// cooperative termination signal first and escalates to a forceful
	// kill after timeout.
	Stop(graceful bool, timeout time.Duration) error
}

// DefaultProfiles returns the built-in transcoding profiles. "copy"
// remuxes without re-encoding and is the cheapest option for sources that
// are already in a deliverable codec.
func DefaultProfiles() map[string][]string {
	return map[string][]string{
		"copy": {"-c:v", "copy", "-c:a", "copy"},
		"720p": {"-vf", "scale=-2:720", "-c:v", "libx264", "-preset", "veryfast", "-b:v", "2800k", "-c:a", "aac", "-b:a", "128k"},
		"480p": {"-vf", "scale=-2:480", "-c:v", "libx264", "-preset", "veryfast", "-b:v", "1400k", "-c:a", "aac", "-b:a", "96k"},
	}
}

// FFmpegRunner invokes ffmpeg as a subprocess, writing MPEG-TS to stdout.
type FFmpegRunner struct {
	bin      string
	profiles map[string][]string
	log      *slog.Logger
}

// NewFFmpegRunner returns a runner using the given ffmpeg binary and
// profile table. If profiles is nil, DefaultProfiles is used.
func NewFFmpegRunner(bin string, profiles map[string][]string, log *slog.Logger) *FFmpegRunner {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &FFmpegRunner{bin: bin, profiles: profiles, log: log}
}

// Args returns the full ffmpeg argument list for spec, or an error for an
// unknown profile.
func (r *FFmpegRunner) Args(spec InputSpec) ([]string, error) {
	prof, ok := r.profiles[spec.Profile]
	if !ok {
		return nil, fmt.Errorf("unknown transcoding profile %q", spec.Profile)
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-i", spec.Source}
	args = append(args, prof...)
	args = append(args, "-f", "mpegts", "pipe:1")
	return args, nil
}

// Start implements Runner.
func (r *FFmpegRunner) Start(spec InputSpec) (Process, error) {
	args, err := r.Args(spec)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(r.bin, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = &lineLogger{log: r.log, source: spec.Source}

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, err
	}

	p := &ffmpegProcess{cmd: cmd, output: pr, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		p.mu.Lock()
		p.exitCode = code
		p.exited = true
		p.mu.Unlock()
		// Unblocks the relay read loop with EOF once buffered output drains.
		pw.Close()
		close(p.done)
		if err != nil {
			r.log.Debug("transcoder exited", "source", spec.Source, "error", err)
		}
	}()

	return p, nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	output *io.PipeReader
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
	exited   bool
}

func (p *ffmpegProcess) Output() io.ReadCloser { return p.output }

func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

func (p *ffmpegProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *ffmpegProcess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// Stop terminates the subprocess. The graceful phase sends SIGTERM and
// waits up to timeout before escalating to SIGKILL, so a hung transcoder
// can never outlive its handle.
func (p *ffmpegProcess) Stop(graceful bool, timeout time.Duration) error {
	if !p.Alive() {
		return nil
	}

	if graceful {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
			return nil
		case <-time.After(timeout):
		}
	}

	_ = p.cmd.Process.Kill()
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("process did not exit after kill")
	}
}

// lineLogger forwards subprocess stderr to the structured log, one line
// per record.
type lineLogger struct {
	log    *slog.Logger
	source string
}

func (w *lineLogger) Write(b []byte) (int, error) {
	total := len(b)
	for len(b) > 0 {
		idx := bytes.IndexByte(b, '\n')
		var line []byte
		if idx == -1 {
			line = b
			b = nil
		} else {
			line = b[:idx]
			b = b[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			w.log.Debug("transcoder stderr", "source", w.source, "line", string(line))
		}
	}
	return total, nil
}
