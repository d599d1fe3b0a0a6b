// Package app launches and supervises the external portfolio program. The
// program is treated as a black box: it reads terminal input, writes terminal
// output, and exits on quit or on losing its controlling terminal.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Command describes the external terminal program to run for a session.
type Command struct {
	Path string
	Args []string
	// Env holds extra KEY=VALUE entries appended to the inherited
	// environment.
	Env []string
}

// ExitStatus records how the program terminated.
type ExitStatus struct {
	// Code is the status reported to the client. For signal deaths it
	// follows the shell convention of 128+signal.
	Code int
	// Signal is the name of the terminating signal, empty on clean exit.
	Signal string
}

// Signaled reports whether the process was terminated by a signal rather
// than exiting on its own.
func (s ExitStatus) Signaled() bool {
	return s.Signal != ""
}

// Process is a running instance of the portfolio program bound to a PTY
// follower. Exactly one Process exists per session.
type Process struct {
	cmd *exec.Cmd
	log *slog.Logger

	done     chan struct{}
	status   ExitStatus
	killOnce sync.Once
}

// Start launches the program with the PTY follower as its controlling
// terminal. Standard input, output and error all attach to the follower, and
// the terminal type plus initial dimensions are passed via the environment.
// Start returns as soon as the process is running; its exit is observed
// through Wait or Done.
func Start(ctx context.Context, log *slog.Logger, command Command, tty *os.File, termType string, rows, cols uint32) (*Process, error) {
	if command.Path == "" {
		return nil, errors.New("no program configured")
	}

	cmd := exec.CommandContext(ctx, command.Path, command.Args...)
	cmd.Env = append(os.Environ(), command.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("TERM=%s", termType),
		fmt.Sprintf("LINES=%d", rows),
		fmt.Sprintf("COLUMNS=%d", cols),
	)

	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command.Path, err)
	}

	p := &Process{
		cmd:  cmd,
		log:  log,
		done: make(chan struct{}),
	}

	go p.reap()

	return p, nil
}

// Pid returns the process id of the running program.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// reap is the only writer of the exit status.
func (p *Process) reap() {
	defer close(p.done)

	err := p.cmd.Wait()
	if err == nil {
		return
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		p.log.Error("wait failed", "path", p.cmd.Path, "error", err)
		p.status = ExitStatus{Code: 1}
		return
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		p.status = ExitStatus{
			Code:   128 + int(ws.Signal()),
			Signal: ws.Signal().String(),
		}
		return
	}
	p.status = ExitStatus{Code: exitErr.ExitCode()}
}

// Done is closed once the process has exited and its status is recorded.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Status returns the recorded exit status. Only meaningful after Done.
func (p *Process) Status() ExitStatus {
	return p.status
}

// Wait blocks the calling goroutine until the process exits or the context
// is cancelled.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		return p.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Kill forcibly terminates the process and its session group. It is
// idempotent and safe to call after the process has already exited.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		// Negative pid targets the process group created by Setsid.
		if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			p.log.Warn("failed to kill process group", "pid", p.cmd.Process.Pid, "error", err)
			_ = p.cmd.Process.Kill()
		}
	})
}
