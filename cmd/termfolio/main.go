package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"golang.org/x/term"

	"github.com/Rudd3r/termfolio/pkg/args"
	"github.com/Rudd3r/termfolio/pkg/domain"
	"github.com/Rudd3r/termfolio/pkg/ssh"

	flag "github.com/spf13/pflag"
)

func main() {
	(&args.Root{
		Commands: []args.Command{
			&args.Cmd[domain.CommandServe]{
				Names:            []string{"serve"},
				Description:      "Serve the portfolio over SSH. Every connecting client gets a private, correctly sized terminal session running the configured program.",
				ShortDescription: "Serve the portfolio over SSH",
				PositionalArgs:   []*args.PositionalArg[domain.CommandServe]{},
				Flags: func(cfg *domain.CommandServe, flags *flag.FlagSet) {
					flags.VarP(
						args.NewBindAddr("", &cfg.BindAddr),
						"addr", "a",
						"Bind address (default from config)",
					)
					flags.VarP(
						args.NewPort(0, &cfg.Port),
						"port", "p",
						"Listen port (default from config)",
					)
					flags.StringVar(
						&cfg.HostKeyPath,
						"host-key", "",
						"Path to the host key (generated on first run)",
					)
					flags.StringVar(
						&cfg.AppCommand,
						"app", "",
						"Path to the portfolio program",
					)
					flags.StringArrayVar(
						&cfg.AppArgs,
						"app-arg", nil,
						"Argument passed to the portfolio program (repeatable)",
					)
					flags.IntVar(
						&cfg.MaxSessions,
						"max-sessions", 0,
						"Maximum concurrent sessions",
					)
					flags.DurationVar(
						&cfg.IdleTimeout,
						"idle-timeout", 0,
						"Close sessions with no traffic for this long",
					)
					flags.DurationVar(
						&cfg.MaxSessionAge,
						"max-session-age", 0,
						"Close sessions older than this",
					)
					flags.DurationVar(
						&cfg.GraceTimeout,
						"grace-timeout", 0,
						"How long shutdown waits for sessions to drain",
					)
					flags.BoolVar(
						&cfg.NoFilter,
						"no-filter-replies", false,
						"Pass terminal capability query replies through unfiltered",
					)
					flags.StringVar(
						&cfg.Banner,
						"banner", "",
						"Handshake greeting (\"none\" to suppress)",
					)
				},
				Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandServe) error {
					applyServeOverrides(cfg, cmdCfg)
					if err := cfg.Validate(); err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}

					server, err := ssh.NewServerFromConfig(ctx, log, cfg)
					if err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					if err := server.Start(); err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					return nil
				},
			},
			&args.Cmd[domain.CommandLocal]{
				Names:            []string{"local"},
				Description:      "Run the portfolio program directly on this terminal, without the SSH server.",
				ShortDescription: "Run the portfolio locally",
				PositionalArgs:   []*args.PositionalArg[domain.CommandLocal]{},
				Flags: func(cfg *domain.CommandLocal, flags *flag.FlagSet) {
					flags.StringVar(
						&cfg.AppCommand,
						"app", "",
						"Path to the portfolio program",
					)
					flags.StringArrayVar(
						&cfg.AppArgs,
						"app-arg", nil,
						"Argument passed to the portfolio program (repeatable)",
					)
				},
				Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandLocal) error {
					command := cfg.AppCommand
					appArgs := cfg.AppArgs
					if cmdCfg.AppCommand != "" {
						command = cmdCfg.AppCommand
						appArgs = cmdCfg.AppArgs
					}
					if command == "" {
						err := errors.New("no portfolio program configured (use --app or config.json)")
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					if !term.IsTerminal(int(os.Stdin.Fd())) {
						err := errors.New("standard input is not a terminal")
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}

					cmd := exec.CommandContext(ctx, command, appArgs...)
					cmd.Stdin = os.Stdin
					cmd.Stdout = os.Stdout
					cmd.Stderr = os.Stderr
					if err := cmd.Run(); err != nil {
						var exitErr *exec.ExitError
						if !errors.As(err, &exitErr) {
							_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						}
						return err
					}
					return nil
				},
			},
			&args.Cmd[domain.CommandKeygen]{
				Names:            []string{"keygen"},
				Description:      "Generate the SSH host key. Serve does this automatically on first run; keygen exists for provisioning the key ahead of time.",
				ShortDescription: "Generate the SSH host key",
				PositionalArgs:   []*args.PositionalArg[domain.CommandKeygen]{},
				Flags: func(cfg *domain.CommandKeygen, flags *flag.FlagSet) {
					flags.StringVar(
						&cfg.Path,
						"path", "",
						"Where to write the key (default from config)",
					)
					flags.BoolVarP(
						&cfg.Force,
						"force", "f", false,
						"Replace an existing key",
					)
				},
				Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandKeygen) error {
					path := cmdCfg.Path
					if path == "" {
						path = cfg.HostKeyPath
					}
					if err := ssh.GenerateHostKey(path, cmdCfg.Force); err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					fmt.Printf("Wrote host key to %s\n", path)
					return nil
				},
			},
		},
	}).Run()
}

// applyServeOverrides folds flag values into the loaded config; unset flags
// leave the config (file and environment) values alone.
func applyServeOverrides(cfg *domain.Config, cmdCfg *domain.CommandServe) {
	if cmdCfg.BindAddr != "" {
		cfg.BindAddr = cmdCfg.BindAddr
	}
	if cmdCfg.Port != 0 {
		cfg.Port = int(cmdCfg.Port)
	}
	if cmdCfg.HostKeyPath != "" {
		cfg.HostKeyPath = cmdCfg.HostKeyPath
	}
	if cmdCfg.AppCommand != "" {
		cfg.AppCommand = cmdCfg.AppCommand
		cfg.AppArgs = cmdCfg.AppArgs
	}
	if cmdCfg.MaxSessions > 0 {
		cfg.MaxSessions = cmdCfg.MaxSessions
	}
	if cmdCfg.IdleTimeout > 0 {
		cfg.IdleTimeout = cmdCfg.IdleTimeout
	}
	if cmdCfg.MaxSessionAge > 0 {
		cfg.MaxSessionAge = cmdCfg.MaxSessionAge
	}
	if cmdCfg.GraceTimeout > 0 {
		cfg.GraceTimeout = cmdCfg.GraceTimeout
	}
	if cmdCfg.NoFilter {
		cfg.FilterTermReplies = false
	}
	if cmdCfg.Banner != "" {
		cfg.Banner = cmdCfg.Banner
	}
}
