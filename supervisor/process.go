// Supervisor - launches the backend service as a child process of the gateway
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

// ErrNotRunning is returned by Stop when no process was started.
var ErrNotRunning = errors.New("backend process not running")

const (
	// defaultTailLines bounds the output kept for Tail.
	defaultTailLines = 200
	// outputGrace is how long output may keep flowing after the child exits.
	// A grandchild holding the pipes open cannot delay the exit past it.
	outputGrace = 500 * time.Millisecond
)

// Config describes the command to launch.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the gateway's own environment
	Pty     bool
	// TailLines is how many output lines to keep. Zero means defaultTailLines.
	TailLines int
}

// Process is a running (or finished) backend child.
type Process struct {
	cfg    Config
	logger *zap.Logger

	cmd        *exec.Cmd
	ptyFile    *os.File
	streams    []*os.File
	done       chan struct{}
	output     sync.WaitGroup
	outputDone chan struct{}

	mu       sync.Mutex
	lines    []string
	exitErr  error
	exitCode int
}

// Start launches the command and begins streaming its output into the logger.
func Start(cfg Config, logger *zap.Logger) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = defaultTailLines
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	p := &Process{
		cfg:        cfg,
		logger:     logger,
		cmd:        cmd,
		done:       make(chan struct{}),
		outputDone: make(chan struct{}),
		exitCode:   -1,
	}

	streams := map[string]*os.File{}
	if cfg.Pty {
		// pty.Start starts the process in a new session, so it already leads its own group
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("PTY start failed: %w", err)
		}
		p.ptyFile = f
		streams["pty"] = f
	} else {
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			stdoutR.Close()
			stdoutW.Close()
			return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
		}
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW
		// render jobs spawned by the backend join its group and are stopped with it
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		err = cmd.Start()
		stdoutW.Close()
		stderrW.Close()
		if err != nil {
			stdoutR.Close()
			stderrR.Close()
			return nil, fmt.Errorf("start failed: %w", err)
		}
		streams["stdout"] = stdoutR
		streams["stderr"] = stderrR
	}

	p.logger = logger.With(zap.Int("pid", cmd.Process.Pid))
	p.logger.Info("backend process started",
		zap.String("command", cfg.Command),
		zap.Strings("args", cfg.Args),
		zap.Bool("pty", cfg.Pty))

	for name, f := range streams {
		p.streams = append(p.streams, f)
		p.output.Add(1)
		go p.drain(f, name)
	}
	go func() {
		p.output.Wait()
		close(p.outputDone)
	}()
	go p.wait()
	return p, nil
}

// drain copies one output stream line by line into the log and the tail ring.
func (p *Process) drain(r io.Reader, stream string) {
	defer p.output.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		p.appendLine(line)
		p.logger.Info(line, zap.String("stream", stream))
	}
	// a pty returns EIO once the child exits; that is the normal end of stream
}

func (p *Process) appendLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
	if over := len(p.lines) - p.cfg.TailLines; over > 0 {
		p.lines = append(p.lines[:0:0], p.lines[over:]...)
	}
}

func (p *Process) wait() {
	// the parent holds no write ends, so Wait returns as soon as the child exits
	err := p.cmd.Wait()
	select {
	case <-p.outputDone:
	case <-time.After(outputGrace):
		p.logger.Debug("output still open after exit, closing")
	}
	for _, f := range p.streams {
		f.Close()
	}

	p.mu.Lock()
	p.exitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	code := p.exitCode
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("backend process exited", zap.Int("exit_code", code), zap.Error(err))
	} else {
		p.logger.Info("backend process exited", zap.Int("exit_code", code))
	}
	close(p.done)
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited and its output has been drained
// or cut off after outputGrace.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the error from waiting on the process, nil while running or on clean exit.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ExitCode returns the exit code, or -1 while still running or when killed by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Tail returns the most recent output lines, oldest first.
func (p *Process) Tail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.lines))
	copy(out, p.lines)
	return out
}

// Stop sends SIGTERM to the process group and waits for the child to exit;
// when ctx expires first the whole group is killed.
func (p *Process) Stop(ctx context.Context) error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return ErrNotRunning
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.signalGroup(syscall.SIGTERM); err != nil {
		p.logger.Warn("SIGTERM failed, killing backend", zap.Error(err))
		_ = p.signalGroup(syscall.SIGKILL)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("backend did not stop in time, killing")
		if err := p.signalGroup(syscall.SIGKILL); err != nil {
			return fmt.Errorf("kill backend: %w", err)
		}
		select {
		case <-p.done:
		case <-time.After(2 * time.Second):
		}
		return ctx.Err()
	}
}

// signalGroup signals every process in the child's group. The child leads the
// group in both pipe and pty mode.
func (p *Process) signalGroup(sig syscall.Signal) error {
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// fall back to the child alone
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
