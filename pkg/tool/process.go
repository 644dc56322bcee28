// Package tool runs interactive tool processes (shells, REPLs) whose output
// lines feed the shared timeline.
package tool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"chorus/pkg/protocol"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 3 * time.Second

// maxLineBytes bounds a single output line.
const maxLineBytes = 1 << 20

// ErrNotRunning is returned by Send on a process that is not running.
var ErrNotRunning = errors.New("tool not running")

// Process is a Tool backed by a subprocess in its own process group. Stdin
// receives commands; stdout and stderr are drained line by line.
type Process struct {
	name  string
	argv  []string
	dir   string
	grace time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	out      chan protocol.ToolLine
	exited   chan struct{}
	stopping chan struct{}
	stopOnce sync.Once
	started  bool
	drained  sync.WaitGroup
}

// Option configures a Process.
type Option func(*Process)

// WithDir sets the working directory.
func WithDir(dir string) Option {
	return func(p *Process) { p.dir = dir }
}

// WithStopGrace sets the SIGTERM-to-SIGKILL grace period.
func WithStopGrace(d time.Duration) Option {
	return func(p *Process) { p.grace = d }
}

// NewProcess creates a Process that will run argv when started.
func NewProcess(name string, argv []string, opts ...Option) *Process {
	p := &Process{
		name:     name,
		argv:     argv,
		grace:    DefaultStopGrace,
		out:      make(chan protocol.ToolLine, 64),
		exited:   make(chan struct{}),
		stopping: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the tool's stream name.
func (p *Process) Name() string {
	return p.name
}

// Output returns the line stream. It is closed once the process has exited
// and both pipes are drained.
func (p *Process) Output() <-chan protocol.ToolLine {
	return p.out
}

// Start launches the subprocess. The process is not tied to ctx; use Stop.
func (p *Process) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("tool %s already started", p.name)
	}
	if len(p.argv) == 0 {
		return fmt.Errorf("tool %s: empty command", p.name)
	}

	//nolint:gosec // configured tool command
	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	cmd.Dir = p.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("tool %s stdin: %w", p.name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tool %s stdout: %w", p.name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("tool %s stderr: %w", p.name, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tool %s: %w", p.name, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.started = true

	p.drained.Add(2)
	go p.drain(stdout, false)
	go p.drain(stderr, true)

	go func() {
		// Pipes must be fully read before Wait closes them.
		p.drained.Wait()
		_ = cmd.Wait()
		close(p.exited)
		close(p.out)
	}()
	return nil
}

// drain reads r line by line into the output stream.
func (p *Process) drain(r io.Reader, isErr bool) {
	defer p.drained.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		p.emit(protocol.ToolLine{Text: scanner.Text(), IsError: isErr})
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		p.emit(protocol.ToolLine{Text: fmt.Sprintf("%s: read error: %v", p.name, err), IsError: true})
	}
}

// emit delivers a line unless Stop has begun and nobody is reading.
func (p *Process) emit(line protocol.ToolLine) {
	select {
	case p.out <- line:
	case <-p.stopping:
	}
}

// Send writes command followed by a newline to the process's stdin.
func (p *Process) Send(command string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stdin == nil {
		return ErrNotRunning
	}
	select {
	case <-p.exited:
		return ErrNotRunning
	default:
	}
	if _, err := io.WriteString(p.stdin, command+"\n"); err != nil {
		return fmt.Errorf("send to tool %s: %w", p.name, err)
	}
	return nil
}

// Stop closes stdin, sends SIGTERM to the whole process group, waits up to
// the grace period (or until ctx is done), then sends SIGKILL. Stopping a
// process that never started or already exited is not an error.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	cmd := p.cmd
	p.stopOnce.Do(func() { close(p.stopping) })
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
	p.mu.Unlock()

	select {
	case <-p.exited:
		return nil
	default:
	}

	// Negative PID targets the process group so descendants go too.
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
		return nil //nolint:nilerr // SIGTERM failure means the group already exited
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-p.exited
	case <-ctx.Done():
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-p.exited
	}
	return nil
}
