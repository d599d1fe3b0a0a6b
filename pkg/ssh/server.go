// Package ssh serves the portfolio program to remote clients. Every accepted
// connection gets its own pseudo-terminal and its own instance of the
// program; the package relays bytes between the two until either side goes
// away.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/Rudd3r/termfolio/pkg/app"
	"github.com/Rudd3r/termfolio/pkg/assets"
	"github.com/Rudd3r/termfolio/pkg/domain"
)

// Config is the internal configuration for the portfolio SSH server.
type Config struct {
	Addr     string
	Port     int
	HostKeys []ssh.Signer

	// App is the external terminal program run for each session.
	App app.Command

	MaxSessions   int
	IdleTimeout   time.Duration
	MaxSessionAge time.Duration
	GraceTimeout  time.Duration

	AcceptRate  float64
	AcceptBurst int

	// FilterReplies strips terminal capability query replies from the
	// program's output before they reach the remote channel.
	FilterReplies bool

	// Authorize decides whether a connecting identity is admitted. Nil
	// admits every identity without credential verification.
	Authorize func(user string, remote net.Addr) error

	// Banner is the greeting sent during the handshake. Empty selects the
	// built-in greeting; "none" suppresses it.
	Banner string
}

// capacityBanner is sent as a pre-identification line (RFC 4253 section 4.2
// permits these) before closing a connection refused for capacity.
const capacityBanner = "termfolio: too many active sessions, try again later\r\n"

type Server struct {
	cfg      *Config
	ctx      context.Context
	log      *slog.Logger
	listener net.Listener
	wg       sync.WaitGroup
	sessions *registry
	limiter  *rate.Limiter
}

func NewServer(ctx context.Context, log *slog.Logger, cfg *Config) *Server {
	burst := cfg.AcceptBurst
	if burst < 1 {
		burst = domain.DefaultAcceptBurst
	}
	limit := rate.Limit(cfg.AcceptRate)
	if cfg.AcceptRate <= 0 {
		limit = rate.Limit(domain.DefaultAcceptRate)
	}
	maxSessions := cfg.MaxSessions
	if maxSessions < 1 {
		maxSessions = domain.DefaultMaxSessions
	}
	return &Server{
		cfg:      cfg,
		ctx:      ctx,
		log:      log,
		sessions: newRegistry(maxSessions),
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// NewServerFromConfig builds a server from the external configuration
// surface, provisioning the host key on first run.
func NewServerFromConfig(ctx context.Context, log *slog.Logger, cfg *domain.Config) (*Server, error) {
	if cfg.AppCommand == "" {
		return nil, errors.New("no portfolio program configured")
	}

	hostKey, err := EnsureHostKey(log, cfg.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}

	return NewServer(ctx, log, &Config{
		Addr:          cfg.BindAddr,
		Port:          cfg.Port,
		HostKeys:      []ssh.Signer{hostKey},
		App:           app.Command{Path: cfg.AppCommand, Args: cfg.AppArgs},
		MaxSessions:   cfg.MaxSessions,
		IdleTimeout:   cfg.IdleTimeout,
		MaxSessionAge: cfg.MaxSessionAge,
		GraceTimeout:  cfg.GraceTimeout,
		AcceptRate:    cfg.AcceptRate,
		AcceptBurst:   cfg.AcceptBurst,
		FilterReplies: cfg.FilterTermReplies,
		Banner:        cfg.Banner,
	}), nil
}

// ActiveSessions reports the current number of live sessions.
func (s *Server) ActiveSessions() int {
	return s.sessions.len()
}

// Start binds the listener and serves until the server context is
// cancelled, then shuts down gracefully: stop accepting, ask every live
// session to close, and wait up to the grace timeout for them to drain.
func (s *Server) Start() error {
	if len(s.cfg.HostKeys) == 0 {
		return errors.New("no host keys configured")
	}

	config := &ssh.ServerConfig{
		// Public-access design: the handshake must still complete
		// normally, but no credential is ever rejected.
		NoClientAuth: true,
		NoClientAuthCallback: func(conn ssh.ConnMetadata) (*ssh.Permissions, error) {
			return s.admit(conn)
		},
		PasswordCallback: s.passwordCallback,
		KeyboardInteractiveCallback: func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			return s.admit(conn)
		},
	}
	if banner := s.banner(); banner != "" {
		config.BannerCallback = func(ssh.ConnMetadata) string {
			return banner
		}
	}
	for _, key := range s.cfg.HostKeys {
		config.AddHostKey(key)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Addr, s.cfg.Port)
	var err error
	s.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.log.Info("portfolio server listening", "addr", s.listener.Addr().String(), "max_sessions", s.sessions.max)

	go s.acceptConnections(config)

	<-s.ctx.Done()
	s.log.Info("shutting down")

	if err := s.listener.Close(); err != nil {
		s.log.Error("error closing listener", "error", err)
	}

	s.sessions.each(func(sess *Session) {
		sess.close(ReasonShutdown)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.cfg.GraceTimeout
	if grace <= 0 {
		grace = domain.DefaultGraceTimeout
	}
	select {
	case <-done:
	case <-time.After(grace):
		// close is idempotent; a second pass catches sessions created
		// while the first broadcast ran.
		s.sessions.each(func(sess *Session) {
			sess.close(ReasonShutdown)
		})
		s.log.Warn("grace timeout expired", "remaining", s.sessions.len())
	}
	return nil
}

// Addr returns the bound listener address, for callers that configured
// port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptConnections(config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Error("failed to accept connection", "error", err)
				continue
			}
		}

		if !s.limiter.Allow() {
			s.log.Warn("connection rate exceeded", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		sess := newSession(s, conn)
		if !s.sessions.add(sess) {
			// Refused before any PTY or process resource exists.
			s.log.Warn("session capacity reached, refusing connection",
				"remote", conn.RemoteAddr(), "max_sessions", s.sessions.max)
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, _ = conn.Write([]byte(capacityBanner))
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.handle(config)
		}()
	}
}

func (s *Server) banner() string {
	switch s.cfg.Banner {
	case "":
		return assets.Banner()
	case "none":
		return ""
	default:
		return s.cfg.Banner
	}
}

// passwordCallback accepts any password. Some clients never try none-auth,
// so the always-accept policy has to cover the credentialed methods too.
func (s *Server) passwordCallback(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	return s.admit(conn)
}

func (s *Server) admit(conn ssh.ConnMetadata) (*ssh.Permissions, error) {
	if s.cfg.Authorize != nil {
		if err := s.cfg.Authorize(conn.User(), conn.RemoteAddr()); err != nil {
			s.log.Warn("connection not authorized", "user", conn.User(), "remote", conn.RemoteAddr(), "error", err)
			return nil, err
		}
	}
	return &ssh.Permissions{}, nil
}
