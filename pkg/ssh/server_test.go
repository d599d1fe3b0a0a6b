package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/Rudd3r/termfolio/pkg/app"
)

func generateTestHostKey(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return signer
}

// startTestServer runs a server on a random loopback port, serving /bin/cat
// as the portfolio program unless the config says otherwise.
func startTestServer(t *testing.T, mutate func(cfg *Config)) (*Server, string, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &Config{
		Addr:         "127.0.0.1",
		Port:         0,
		HostKeys:     []ssh.Signer{generateTestHostKey(t)},
		App:          app.Command{Path: "/bin/cat"},
		MaxSessions:  4,
		GraceTimeout: time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(ctx, log, cfg)

	go func() {
		_ = server.Start()
	}()

	deadline := time.Now().Add(5 * time.Second)
	for server.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	return server, server.Addr().String(), cancel
}

func dialTestServer(t *testing.T, addr string) *ssh.Client {
	t.Helper()

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "visitor",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// waitForServerSession waits until the server tracks exactly one session and
// returns it.
func waitForServerSession(t *testing.T, server *Server) *Session {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var found *Session
		server.sessions.each(func(s *Session) {
			found = s
		})
		if found != nil {
			return found
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no live session appeared")
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// readUntil accumulates reads until the wanted substring shows up.
func readUntil(t *testing.T, r io.Reader, want string) string {
	t.Helper()

	got := make(chan string, 1)
	go func() {
		var sb strings.Builder
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				sb.Write(buf[:n])
				if strings.Contains(sb.String(), want) {
					got <- sb.String()
					return
				}
			}
			if err != nil {
				got <- sb.String()
				return
			}
		}
	}()

	select {
	case s := <-got:
		if !strings.Contains(s, want) {
			t.Fatalf("expected output containing %q, got %q", want, s)
		}
		return s
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for output containing %q", want)
		return ""
	}
}

// TestServerStartStop tests that the server can start and stop cleanly
func TestServerStartStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(ctx, log, &Config{
		Addr:     "127.0.0.1",
		Port:     0,
		HostKeys: []ssh.Signer{generateTestHostKey(t)},
		App:      app.Command{Path: "/bin/cat"},
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("unexpected error from server: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("server did not stop in time")
	}
}

// TestAnyIdentityAdmitted verifies the public-access policy: arbitrary
// users with no credentials, or with any password, all get in.
func TestAnyIdentityAdmitted(t *testing.T) {
	_, addr, _ := startTestServer(t, nil)

	for _, cfg := range []*ssh.ClientConfig{
		{User: "visitor", HostKeyCallback: ssh.InsecureIgnoreHostKey(), Timeout: 2 * time.Second},
		{User: "someone-else", Auth: []ssh.AuthMethod{ssh.Password("anything")}, HostKeyCallback: ssh.InsecureIgnoreHostKey(), Timeout: 2 * time.Second},
	} {
		client, err := ssh.Dial("tcp", addr, cfg)
		if err != nil {
			t.Fatalf("user %q was not admitted: %v", cfg.User, err)
		}
		_ = client.Close()
	}
}

// TestInteractiveSession runs the full happy path: PTY negotiation, relay
// in both directions, resize propagation, disconnect teardown.
func TestInteractiveSession(t *testing.T) {
	server, addr, _ := startTestServer(t, nil)
	client := dialTestServer(t, addr)

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	if err := session.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("pty request failed: %v", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}

	if err := session.Shell(); err != nil {
		t.Fatalf("shell request failed: %v", err)
	}

	sess := waitForServerSession(t, server)
	waitFor(t, "session active", func() bool { return sess.State() == StateActive })

	rows, cols := sess.Size()
	if rows != 24 || cols != 80 {
		t.Errorf("expected initial size 24x80, got %dx%d", rows, cols)
	}

	// cat echoes whatever arrives on the PTY.
	if _, err := io.WriteString(stdin, "ping"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readUntil(t, stdout, "ping")

	if err := session.WindowChange(40, 120); err != nil {
		t.Fatalf("window change failed: %v", err)
	}
	waitFor(t, "resize to 40x120", func() bool {
		rows, cols := sess.Size()
		return rows == 40 && cols == 120
	})
	ptyRows, ptyCols, err := sess.pty.Size()
	if err != nil {
		t.Fatalf("pty size query failed: %v", err)
	}
	if ptyRows != 40 || ptyCols != 120 {
		t.Errorf("pty not resized, got %dx%d", ptyRows, ptyCols)
	}

	// Client disconnect must bring the whole session down.
	_ = client.Close()
	waitFor(t, "session closed", func() bool { return sess.State() == StateClosed })
	waitFor(t, "process reaped", func() bool {
		select {
		case <-sess.proc.Done():
			return true
		default:
			return false
		}
	})
	waitFor(t, "session removed from active set", func() bool { return server.ActiveSessions() == 0 })
}

// TestInvalidResizeIgnored verifies a malformed resize is cosmetic: logged,
// refused, and the session keeps running.
func TestInvalidResizeIgnored(t *testing.T) {
	server, addr, _ := startTestServer(t, nil)
	client := dialTestServer(t, addr)

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	if err := session.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("pty request failed: %v", err)
	}
	stdin, _ := session.StdinPipe()
	stdout, _ := session.StdoutPipe()
	if err := session.Shell(); err != nil {
		t.Fatalf("shell request failed: %v", err)
	}

	sess := waitForServerSession(t, server)
	waitFor(t, "session active", func() bool { return sess.State() == StateActive })

	if err := session.WindowChange(0, 0); err != nil {
		t.Fatalf("window change send failed: %v", err)
	}

	// Still 24x80, still relaying.
	rows, cols := sess.Size()
	if rows != 24 || cols != 80 {
		t.Errorf("invalid resize was applied: %dx%d", rows, cols)
	}
	if _, err := io.WriteString(stdin, "still-alive"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readUntil(t, stdout, "still-alive")
}

// TestAppExitClosesSession verifies the process exiting on its own closes
// the network side and the session reaches Closed.
func TestAppExitClosesSession(t *testing.T) {
	server, addr, _ := startTestServer(t, func(cfg *Config) {
		cfg.App = app.Command{Path: "/bin/sh", Args: []string{"-c", "echo goodbye; exit 7"}}
	})
	client := dialTestServer(t, addr)

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	if err := session.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("pty request failed: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("shell request failed: %v", err)
	}

	err = session.Wait()
	exitErr, ok := err.(*ssh.ExitError)
	if !ok {
		t.Fatalf("expected exit error with status, got %v", err)
	}
	if exitErr.ExitStatus() != 7 {
		t.Errorf("expected exit status 7, got %d", exitErr.ExitStatus())
	}

	waitFor(t, "active set drained", func() bool { return server.ActiveSessions() == 0 })
}

// TestMaxSessionsRefusal verifies the capacity gate: the connection is
// accepted at the TCP level and closed before any session resources exist.
func TestMaxSessionsRefusal(t *testing.T) {
	server, addr, _ := startTestServer(t, func(cfg *Config) {
		cfg.MaxSessions = 1
	})

	client := dialTestServer(t, addr)
	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	if err := session.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("pty request failed: %v", err)
	}
	stdin, _ := session.StdinPipe()
	stdout, _ := session.StdoutPipe()
	if err := session.Shell(); err != nil {
		t.Fatalf("shell request failed: %v", err)
	}
	sess := waitForServerSession(t, server)
	waitFor(t, "session active", func() bool { return sess.State() == StateActive })

	over, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "visitor",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	})
	if err == nil {
		_ = over.Close()
		t.Fatal("expected connection over capacity to be refused")
	}

	if got := server.ActiveSessions(); got != 1 {
		t.Errorf("expected 1 active session, got %d", got)
	}

	// The refusal must not have disturbed the admitted session.
	if _, err := io.WriteString(stdin, "unaffected"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readUntil(t, stdout, "unaffected")
}

// TestSessionIsolation verifies a stalled session does not delay byte
// delivery in a concurrently active one.
func TestSessionIsolation(t *testing.T) {
	server, addr, _ := startTestServer(t, nil)

	// First session connects and then goes idle without ever draining its
	// output.
	stalled := dialTestServer(t, addr)
	stalledSession, err := stalled.NewSession()
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	if err := stalledSession.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("pty request failed: %v", err)
	}
	if err := stalledSession.Shell(); err != nil {
		t.Fatalf("shell request failed: %v", err)
	}

	waitFor(t, "first session live", func() bool { return server.ActiveSessions() == 1 })

	// Second session must still get prompt echo service.
	client := dialTestServer(t, addr)
	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	if err := session.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("pty request failed: %v", err)
	}
	stdin, _ := session.StdinPipe()
	stdout, _ := session.StdoutPipe()
	if err := session.Shell(); err != nil {
		t.Fatalf("shell request failed: %v", err)
	}

	start := time.Now()
	if _, err := io.WriteString(stdin, "quick"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readUntil(t, stdout, "quick")
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("echo took %v with a stalled neighbor", elapsed)
	}
}

// TestSubsystemRefusedWithoutKillingSession sends a file-transfer subsystem
// request on a channel that already has an interactive shell; the request
// must be refused and the shell must keep working.
func TestSubsystemRefusedWithoutKillingSession(t *testing.T) {
	server, addr, _ := startTestServer(t, nil)
	client := dialTestServer(t, addr)

	channel, reqs, err := client.OpenChannel("session", nil)
	if err != nil {
		t.Fatalf("failed to open channel: %v", err)
	}
	go ssh.DiscardRequests(reqs)

	ok, err := channel.SendRequest("pty-req", true, ssh.Marshal(&ptyRequestMsg{
		Term: "xterm", Width: 80, Height: 24,
	}))
	if err != nil || !ok {
		t.Fatalf("pty-req refused: ok=%v err=%v", ok, err)
	}
	ok, err = channel.SendRequest("shell", true, nil)
	if err != nil || !ok {
		t.Fatalf("shell refused: ok=%v err=%v", ok, err)
	}

	sess := waitForServerSession(t, server)
	waitFor(t, "session active", func() bool { return sess.State() == StateActive })

	ok, err = channel.SendRequest("subsystem", true, ssh.Marshal(&subsystemRequestMsg{Subsystem: "sftp"}))
	if err != nil {
		t.Fatalf("subsystem request transport error: %v", err)
	}
	if ok {
		t.Error("expected sftp subsystem to be refused")
	}

	if sess.State() != StateActive {
		t.Errorf("refusal must not end the session, state is %s", sess.State())
	}
	if _, err := channel.Write([]byte("after-refusal")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readUntil(t, channel, "after-refusal")
}

// TestExecRefused verifies the server offers interactive shells only.
func TestExecRefused(t *testing.T) {
	_, addr, _ := startTestServer(t, nil)
	client := dialTestServer(t, addr)

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	defer func() { _ = session.Close() }()

	if err := session.Run("uname -a"); err == nil {
		t.Error("expected exec request to be refused")
	}
}

// TestNonSessionChannelRejected covers forwarding-style channel types.
func TestNonSessionChannelRejected(t *testing.T) {
	_, addr, _ := startTestServer(t, nil)
	client := dialTestServer(t, addr)

	_, _, err := client.OpenChannel("direct-tcpip", ssh.Marshal(&struct {
		DestAddr   string
		DestPort   uint32
		OriginAddr string
		OriginPort uint32
	}{"127.0.0.1", 80, "127.0.0.1", 0}))
	if err == nil {
		t.Error("expected direct-tcpip channel to be rejected")
	}
}

// TestSpawnFailureClosesSession verifies a missing program tears the
// session down instead of hanging it.
func TestSpawnFailureClosesSession(t *testing.T) {
	server, addr, _ := startTestServer(t, func(cfg *Config) {
		cfg.App = app.Command{Path: "/nonexistent/portfolio"}
	})
	client := dialTestServer(t, addr)

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	if err := session.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("pty request failed: %v", err)
	}

	// The shell request fails, or the session dies right after it.
	_ = session.Shell()
	waitFor(t, "active set drained", func() bool { return server.ActiveSessions() == 0 })
}

// TestShellWithoutPtyUsesFallbackSize covers clients that skip pty-req: the
// session still comes up, sized 24x80.
func TestShellWithoutPtyUsesFallbackSize(t *testing.T) {
	server, addr, _ := startTestServer(t, nil)
	client := dialTestServer(t, addr)

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	stdin, _ := session.StdinPipe()
	stdout, _ := session.StdoutPipe()
	if err := session.Shell(); err != nil {
		t.Fatalf("shell request failed: %v", err)
	}

	sess := waitForServerSession(t, server)
	waitFor(t, "session active", func() bool { return sess.State() == StateActive })

	rows, cols := sess.Size()
	if rows != 24 || cols != 80 {
		t.Errorf("expected fallback 24x80, got %dx%d", rows, cols)
	}
	ptyRows, ptyCols, err := sess.pty.Size()
	if err != nil {
		t.Fatalf("pty size query failed: %v", err)
	}
	if ptyRows != 24 || ptyCols != 80 {
		t.Errorf("pty not sized to fallback, got %dx%d", ptyRows, ptyCols)
	}

	if _, err := io.WriteString(stdin, "fallback"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readUntil(t, stdout, "fallback")
}

// TestIdleTimeout verifies an idle session is reaped while its relay
// machinery stays untouched until the deadline.
func TestIdleTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping idle timeout test in short mode")
	}

	server, addr, _ := startTestServer(t, func(cfg *Config) {
		cfg.IdleTimeout = 2 * time.Second
	})
	client := dialTestServer(t, addr)

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	if err := session.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("pty request failed: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("shell request failed: %v", err)
	}

	sess := waitForServerSession(t, server)
	waitFor(t, "session active", func() bool { return sess.State() == StateActive })

	deadline := time.Now().Add(30 * time.Second)
	for server.ActiveSessions() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle session was never reaped")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// TestShutdownDrainsSessions verifies cancellation closes live sessions
// within the grace window.
func TestShutdownDrainsSessions(t *testing.T) {
	server, addr, cancel := startTestServer(t, nil)
	client := dialTestServer(t, addr)

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	if err := session.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("pty request failed: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("shell request failed: %v", err)
	}
	sess := waitForServerSession(t, server)
	waitFor(t, "session active", func() bool { return sess.State() == StateActive })

	cancel()

	waitFor(t, "session closed on shutdown", func() bool { return sess.State() == StateClosed })
	waitFor(t, "active set drained", func() bool { return server.ActiveSessions() == 0 })
}

// TestAuthorizeHook exercises the admission extension point: a hook error
// rejects the handshake, a nil error admits as usual.
func TestAuthorizeHook(t *testing.T) {
	_, addr, _ := startTestServer(t, func(cfg *Config) {
		cfg.Authorize = func(user string, remote net.Addr) error {
			if user == "blocked" {
				return errors.New("not welcome")
			}
			return nil
		}
	})

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "blocked",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	})
	if err == nil {
		_ = client.Close()
		t.Fatal("expected blocked user to be rejected")
	}

	allowed := dialTestServer(t, addr)
	_ = allowed.Close()
}

func TestBannerSelection(t *testing.T) {
	tests := []struct {
		configured string
		want       string
	}{
		{configured: "none", want: ""},
		{configured: "custom greeting\r\n", want: "custom greeting\r\n"},
	}
	for _, tt := range tests {
		srv := &Server{cfg: &Config{Banner: tt.configured}}
		if got := srv.banner(); got != tt.want {
			t.Errorf("banner(%q) = %q, want %q", tt.configured, got, tt.want)
		}
	}

	srv := &Server{cfg: &Config{}}
	if srv.banner() == "" {
		t.Error("empty config must select the built-in greeting")
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateAccepted:           "accepted",
		StateAuthenticating:     "authenticating",
		StateChannelNegotiating: "channel-negotiating",
		StateActive:             "active",
		StateClosing:            "closing",
		StateClosed:             "closed",
		State(99):               "unknown",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
