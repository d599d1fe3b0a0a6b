package domain

import "time"

type CommandServe struct {
	BindAddr      string
	Port          uint64
	HostKeyPath   string
	AppCommand    string
	AppArgs       []string
	MaxSessions   int
	IdleTimeout   time.Duration
	MaxSessionAge time.Duration
	GraceTimeout  time.Duration
	NoFilter      bool
	Banner        string
}

type CommandLocal struct {
	AppCommand string
	AppArgs    []string
}

type CommandKeygen struct {
	Path  string
	Force bool
}
