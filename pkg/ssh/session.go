package ssh

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/Rudd3r/termfolio/pkg/app"
	"github.com/Rudd3r/termfolio/pkg/domain"
	"github.com/Rudd3r/termfolio/pkg/pty"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateAccepted State = iota
	StateAuthenticating
	StateChannelNegotiating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAuthenticating:
		return "authenticating"
	case StateChannelNegotiating:
		return "channel-negotiating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Teardown reasons recorded in the session-end log event.
const (
	ReasonHandshakeFailure   = "handshake-failure"
	ReasonNegotiationFailure = "negotiation-failure"
	ReasonSpawnFailure       = "spawn-failure"
	ReasonAppExit            = "app-exit"
	ReasonClientDisconnect   = "client-disconnect"
	ReasonIdleTimeout        = "idle-timeout"
	ReasonMaxSessionAge      = "max-session-age"
	ReasonShutdown           = "shutdown"
)

const watchdogInterval = 5 * time.Second

// Session is one client's interactive use of the portfolio, from accepted
// connection to teardown. It owns at most one PTY pair and one spawned
// process, and all three (plus both relay pumps) go down together, exactly
// once.
type Session struct {
	id      string
	remote  net.Addr
	created time.Time

	srv  *Server
	conn net.Conn
	log  *slog.Logger

	state atomic.Int32

	mu      sync.Mutex
	term    string
	rows    uint32
	cols    uint32
	env     []string
	pty     *pty.Pair
	proc    *app.Process
	channel ssh.Channel
	// closing is raised inside close under mu, so a concurrent startApp
	// cannot store resources the teardown snapshot has already missed.
	closing bool

	lastActivity atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	// outputDone is closed once the program-to-client pump has drained.
	outputDone chan struct{}
}

func newSession(srv *Server, conn net.Conn) *Session {
	s := &Session{
		id:      uuid.NewString(),
		remote:  conn.RemoteAddr(),
		created: time.Now(),
		srv:     srv,
		conn:    conn,
		term:    domain.DefaultTermType,
		rows:    domain.DefaultRows,
		cols:    domain.DefaultCols,
		closed:  make(chan struct{}),

		outputDone: make(chan struct{}),
	}
	s.log = srv.log.With("session", s.id, "remote", s.remote.String())
	s.touch()
	return s
}

// ID is the opaque per-connection session identifier.
func (s *Session) ID() string {
	return s.id
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Size returns the current terminal dimensions.
func (s *Session) Size() (rows, cols uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// handle drives the session from transport handshake to teardown. It runs
// on its own goroutine; nothing here may block another session.
func (s *Session) handle(config *ssh.ServerConfig) {
	defer s.close(ReasonClientDisconnect)

	s.setState(StateAuthenticating)
	sshConn, chans, reqs, err := ssh.NewServerConn(s.conn, config)
	if err != nil {
		s.log.Debug("handshake failed", "error", err)
		s.close(ReasonHandshakeFailure)
		return
	}
	defer func() { _ = sshConn.Close() }()

	s.setState(StateChannelNegotiating)
	s.log.Info("session accepted", "user", sshConn.User())

	go ssh.DiscardRequests(reqs)

	if s.srv.cfg.IdleTimeout > 0 || s.srv.cfg.MaxSessionAge > 0 {
		go s.watchdog()
	}

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.Prohibited, "channel type not supported")
			continue
		}

		s.mu.Lock()
		already := s.channel != nil
		s.mu.Unlock()
		if already {
			_ = newChannel.Reject(ssh.ResourceShortage, "only one interactive session per connection")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.log.Error("failed to accept channel", "error", err)
			continue
		}
		s.mu.Lock()
		s.channel = channel
		s.mu.Unlock()

		go s.serveRequests(channel, requests)
	}
}

// serveRequests is the per-channel request loop. Running it on a single
// goroutine guarantees resize notifications apply in arrival order.
func (s *Session) serveRequests(channel ssh.Channel, requests <-chan *ssh.Request) {
	for {
		select {
		case <-s.srv.ctx.Done():
			s.close(ReasonShutdown)
			return
		case <-s.closed:
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			s.handleRequest(channel, req)
		}
	}
}

func (s *Session) handleRequest(channel ssh.Channel, req *ssh.Request) {
	switch req.Type {
	case "pty-req":
		ptyReq := &ptyRequestMsg{}
		if err := ssh.Unmarshal(req.Payload, ptyReq); err != nil {
			s.log.Error("failed to parse pty-req", "error", err)
			_ = req.Reply(false, nil)
			return
		}
		s.mu.Lock()
		if ptyReq.Term != "" {
			s.term = ptyReq.Term
		}
		if ptyReq.Height > 0 && ptyReq.Width > 0 {
			s.rows = ptyReq.Height
			s.cols = ptyReq.Width
		}
		s.mu.Unlock()
		s.log.Info("pty requested", "term", ptyReq.Term, "width", ptyReq.Width, "height", ptyReq.Height)
		_ = req.Reply(true, nil)

	case "window-change":
		winChange := &windowChangeMsg{}
		if err := ssh.Unmarshal(req.Payload, winChange); err != nil {
			s.log.Error("failed to parse window-change", "error", err)
			_ = req.Reply(false, nil)
			return
		}
		// A cosmetic failure must never kill an interactive session:
		// bad dimensions are logged and ignored.
		if err := s.resize(winChange.Height, winChange.Width); err != nil {
			s.log.Warn("ignoring window-change", "width", winChange.Width, "height", winChange.Height, "error", err)
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

	case "env":
		envReq := &envRequestMsg{}
		if err := ssh.Unmarshal(req.Payload, envReq); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		// Only locale variables are forwarded to the program.
		if envReq.Name == "LANG" || strings.HasPrefix(envReq.Name, "LC_") {
			s.mu.Lock()
			s.env = append(s.env, fmt.Sprintf("%s=%s", envReq.Name, envReq.Value))
			s.mu.Unlock()
		}
		_ = req.Reply(true, nil)

	case "shell":
		if s.State() == StateActive {
			_ = req.Reply(false, nil)
			return
		}
		if err := s.startApp(channel); err != nil {
			_ = req.Reply(false, nil)
			if errors.Is(err, errSessionClosed) {
				return
			}
			reason := ReasonNegotiationFailure
			if errors.Is(err, errSpawn) {
				// Deployment defect rather than client behavior.
				s.log.Error("failed to start portfolio program", "error", err)
				reason = ReasonSpawnFailure
			} else {
				s.log.Error("failed to negotiate session", "error", err)
			}
			_, _ = fmt.Fprintf(channel, "failed to start session\r\n")
			s.close(reason)
			return
		}
		_ = req.Reply(true, nil)

	case "exec":
		// The portfolio is interactive only; there is nothing to exec.
		s.log.Info("exec request refused")
		_ = req.Reply(false, nil)

	case "subsystem":
		subsysReq := &subsystemRequestMsg{}
		if err := ssh.Unmarshal(req.Payload, subsysReq); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		// File transfer (sftp/scp) is deliberately not offered; the
		// refusal leaves any active interactive channel untouched.
		s.log.Info("subsystem refused", "subsystem", subsysReq.Subsystem)
		_ = req.Reply(false, nil)

	default:
		s.log.Debug("unknown request type", "type", req.Type)
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

// errSpawn marks process start failures so they are logged at higher
// severity than client-side negotiation problems.
var errSpawn = errors.New("spawn failure")

// errSessionClosed reports a shell request that lost the race against
// session teardown.
var errSessionClosed = errors.New("session already closed")

// startApp allocates the PTY, spawns the program bound to its follower, and
// starts the relay pumps. Called from the request loop only.
func (s *Session) startApp(channel ssh.Channel) error {
	s.mu.Lock()
	term, rows, cols, env := s.term, s.rows, s.cols, s.env
	s.mu.Unlock()

	pair, err := pty.Open()
	if err != nil {
		return err
	}
	if err := pair.Resize(rows, cols); err != nil {
		_ = pair.Close()
		return err
	}
	if err := pair.SetRaw(); err != nil {
		_ = pair.Close()
		return err
	}

	command := s.srv.cfg.App
	command.Env = append(append([]string{}, command.Env...), env...)
	proc, err := app.Start(s.srv.ctx, s.log, command, pair.Follower(), term, rows, cols)
	if err != nil {
		_ = pair.Close()
		return fmt.Errorf("%w: %v", errSpawn, err)
	}
	// The process holds its own copy of the follower; releasing ours lets
	// the controller read EOF when the process exits.
	_ = pair.Follower().Close()

	s.mu.Lock()
	if s.closing {
		// Teardown already ran its snapshot; these resources are ours to
		// release.
		s.mu.Unlock()
		proc.Kill()
		_ = pair.Close()
		return errSessionClosed
	}
	s.pty = pair
	s.proc = proc
	s.setState(StateActive)
	s.mu.Unlock()
	s.touch()

	s.log.Info("session active", "pid", proc.Pid(), "term", term, "rows", rows, "cols", cols)

	go s.relay(channel, pair)
	go s.reportExit(channel, proc)

	return nil
}

// relay pumps bytes in both directions. A client-side EOF or write failure
// brings the session down; a program-side EOF hands off to reportExit.
// Closing the channel and the PTY controller in close unblocks whichever
// pump is still reading.
func (s *Session) relay(channel ssh.Channel, pair *pty.Pair) {
	var out io.Writer = &activityWriter{s: s, w: channel}
	var filter *replyFilter
	if s.srv.cfg.FilterReplies {
		filter = newReplyFilter(out)
		out = filter
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(out, pair.Controller())
		if filter != nil {
			_ = filter.Flush()
		}
		// reportExit owns the app-exit teardown so the drained output and
		// the exit status both reach the client before the channel closes.
		close(s.outputDone)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&activityWriter{s: s, w: pair.Controller()}, channel)
		s.close(ReasonClientDisconnect)
		return err
	})
	_ = g.Wait()
}

// reportExit forwards the program's exit status to the client, then tears
// the session down if the relay has not already done so.
func (s *Session) reportExit(channel ssh.Channel, proc *app.Process) {
	select {
	case <-proc.Done():
	case <-s.closed:
		return
	}

	// Give the output pump a moment to drain what the program wrote before
	// it exited.
	select {
	case <-s.outputDone:
	case <-s.closed:
		return
	case <-time.After(2 * time.Second):
	}

	status := proc.Status()
	if status.Signaled() {
		s.log.Info("program terminated by signal", "signal", status.Signal)
	}
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: uint32(status.Code)}))
	s.close(ReasonAppExit)
}

// resize applies new dimensions to the session PTY. Resizes arriving before
// the PTY exists just update the stored dimensions used at allocation.
func (s *Session) resize(rows, cols uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pty != nil {
		if err := s.pty.Resize(rows, cols); err != nil {
			return err
		}
	} else if rows == 0 || cols == 0 || rows > 0xffff || cols > 0xffff {
		return pty.ErrInvalidSize
	}
	s.rows = rows
	s.cols = cols
	return nil
}

// watchdog enforces the idle and max-age limits. It deliberately runs apart
// from the relay loop so a timeout check can never drop in-flight bytes.
func (s *Session) watchdog() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-s.srv.ctx.Done():
			return
		case now := <-ticker.C:
			if reason, ok := s.expired(now); ok {
				s.log.Info("session limit exceeded", "limit", reason)
				s.close(reason)
				return
			}
		}
	}
}

// expired reports which session limit, if any, the session has exceeded.
func (s *Session) expired(now time.Time) (string, bool) {
	if idle := s.srv.cfg.IdleTimeout; idle > 0 {
		last := time.Unix(0, s.lastActivity.Load())
		if now.Sub(last) > idle {
			return ReasonIdleTimeout, true
		}
	}
	if age := s.srv.cfg.MaxSessionAge; age > 0 && now.Sub(s.created) > age {
		return ReasonMaxSessionAge, true
	}
	return "", false
}

// close tears down everything the session owns: the process, the PTY pair,
// the channel, and the transport connection. Re-entry is a no-op; resources
// are released exactly once no matter how many paths race here.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)

		s.mu.Lock()
		s.closing = true
		proc, pair, channel := s.proc, s.pty, s.channel
		s.mu.Unlock()

		if proc != nil {
			proc.Kill()
		}
		if pair != nil {
			_ = pair.Close()
		}
		if channel != nil {
			_ = channel.Close()
		}
		_ = s.conn.Close()

		close(s.closed)
		s.setState(StateClosed)
		s.srv.sessions.remove(s.id)

		s.log.Info("session closed",
			"reason", reason,
			"duration", time.Since(s.created).Round(time.Millisecond))
	})
}

// activityWriter stamps the session on every relayed write so the idle
// watchdog sees traffic in either direction.
type activityWriter struct {
	s *Session
	w io.Writer
}

func (a *activityWriter) Write(p []byte) (int, error) {
	a.s.touch()
	return a.w.Write(p)
}
