// Package launch starts and supervises child app processes.
package launch

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Child output is capped so a chatty app cannot grow memory unbounded.
const maxCapturedOutput = 64 * 1024

// Options describes one child process to spawn.
type Options struct {
	Command string
	Args    []string
	// Dir is the working directory. Apps run from a scratch dir so files
	// they create land there instead of next to their sources.
	Dir string
	// Port is exported to the child as PORT.
	Port int
	// ExtraEnv entries are appended after the minimal base environment.
	ExtraEnv map[string]string
	// CaptureOutput mirrors combined stdout/stderr into a bounded buffer
	// for error reporting.
	CaptureOutput bool
}

// Process is a started child. All methods are safe for concurrent use.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	out     bytes.Buffer
	waitErr error
}

// minimalEnv builds the reduced environment handed to children. Only the
// variables an app legitimately needs cross the boundary; the parent's
// secrets do not.
func minimalEnv(port int) []string {
	env := make([]string, 0, 6)
	for _, key := range []string{"PATH", "PYTHONPATH", "HOME", "USER"} {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	env = append(env, "PORT="+strconv.Itoa(port))
	env = append(env, "FLASK_DEBUG=0")
	return env
}

// Spawn starts the child described by opts.
func Spawn(opts Options) (*Process, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("spawn: command is required")
	}
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir

	env := minimalEnv(opts.Port)
	for k, v := range opts.ExtraEnv {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	p := &Process{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	if opts.CaptureOutput {
		w := &boundedWriter{p: p}
		cmd.Stdout = w
		cmd.Stderr = w
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", opts.Command, err)
	}

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

// PID returns the child's process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Running reports whether the child is still alive.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Output returns the captured combined output so far.
func (p *Process) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

// ExitErr returns the Wait error after the child has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Terminate asks the child to exit with SIGTERM and escalates to SIGKILL
// after the grace window. It blocks until the child is gone.
func (p *Process) Terminate(grace time.Duration) error {
	if !p.Running() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Lost the race with exit; nothing left to stop.
		if !p.Running() {
			return nil
		}
		return fmt.Errorf("signal child: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	if err := p.cmd.Process.Kill(); err != nil && p.Running() {
		return fmt.Errorf("kill child: %w", err)
	}
	<-p.done
	return nil
}

type boundedWriter struct {
	p *Process
}

func (w *boundedWriter) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	if remaining := maxCapturedOutput - w.p.out.Len(); remaining > 0 {
		if len(b) > remaining {
			w.p.out.Write(b[:remaining])
		} else {
			w.p.out.Write(b)
		}
	}
	// Report full length so the child never blocks on a full buffer.
	return len(b), nil
}
