// Package pty allocates and manages pseudo-terminal pairs for interactive
// sessions. The controller end is used for byte relay and resize, the
// follower end becomes the controlling terminal of the spawned portfolio
// process.
package pty

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// ErrInvalidSize is returned when requested terminal dimensions are zero or
// exceed what the kernel window size structure can represent.
var ErrInvalidSize = errors.New("invalid terminal size")

const maxDimension = 0xffff

// Pair is a controller/follower pseudo-terminal pair. It is exclusively
// owned by one session and released exactly once; Close is safe to call
// multiple times.
type Pair struct {
	controller *os.File
	follower   *os.File

	closeOnce sync.Once
	closeErr  error
}

// Open allocates a fresh pseudo-terminal pair. Failure typically means the
// host is out of PTY slots.
func Open() (*Pair, error) {
	controller, follower, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open pty: %w", err)
	}
	return &Pair{controller: controller, follower: follower}, nil
}

// Controller returns the controller end, used for relay and resize.
func (p *Pair) Controller() *os.File {
	return p.controller
}

// Follower returns the follower end, handed to the spawned process as its
// controlling terminal.
func (p *Pair) Follower() *os.File {
	return p.follower
}

// Resize applies new dimensions to the pair. Zero or out-of-range values are
// rejected with ErrInvalidSize.
func (p *Pair) Resize(rows, cols uint32) error {
	if rows == 0 || cols == 0 || rows > maxDimension || cols > maxDimension {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, rows, cols)
	}
	if err := pty.Setsize(p.controller, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	}); err != nil {
		return fmt.Errorf("failed to set pty size: %w", err)
	}
	return nil
}

// Size reports the current dimensions of the pair.
func (p *Pair) Size() (rows, cols uint16, err error) {
	ws, err := pty.GetsizeFull(p.controller)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get pty size: %w", err)
	}
	return ws.Rows, ws.Cols, nil
}

// SetRaw disables line buffering and local echo on the follower so every
// keystroke reaches the process immediately.
func (p *Pair) SetRaw() error {
	if _, err := term.MakeRaw(int(p.follower.Fd())); err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	return nil
}

// Close releases both ends of the pair. Calling it more than once is a
// no-op, and an already-closed follower (released early after spawn so the
// controller sees EOF when the process exits) is not an error.
func (p *Pair) Close() error {
	p.closeOnce.Do(func() {
		cerr := p.controller.Close()
		ferr := p.follower.Close()
		if cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			p.closeErr = cerr
			return
		}
		if ferr != nil && !errors.Is(ferr, os.ErrClosed) {
			p.closeErr = ferr
		}
	})
	return p.closeErr
}
