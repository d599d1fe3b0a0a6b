package args

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

type StringValue struct {
	val string
	p   *string
	f   func(val string) (string, error)
}

func NewStringValueFunc(val string, p *string, f func(val string) (string, error)) *StringValue {
	*p = val
	return &StringValue{val: val, p: p, f: f}
}

func (s *StringValue) Set(val string) (err error) {
	s.val, err = s.f(val)
	return err
}
func (s *StringValue) Type() string {
	return "string"
}

func (s *StringValue) String() string { return s.val }

// NewPort returns a flag value that accepts a TCP port number and stores it
// into p.
func NewPort(val uint64, p *uint64) *StringValue {
	*p = val
	var portStr string
	return NewStringValueFunc(strconv.FormatUint(val, 10), &portStr, func(s string) (string, error) {
		port, err := ParsePort(s)
		if err != nil {
			return s, err
		}
		*p = port
		return s, nil
	})
}

// NewBindAddr returns a flag value that accepts a bind address and stores it
// into p. Accepts an IP address, a hostname, or empty (all interfaces).
func NewBindAddr(val string, p *string) *StringValue {
	return NewStringValueFunc(val, p, func(s string) (string, error) {
		addr, err := parseBindAddr(s)
		if err != nil {
			return s, err
		}
		*p = addr
		return s, nil
	})
}

func parseBindAddr(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "0.0.0.0", nil
	}
	if s == "localhost" {
		return "127.0.0.1", nil
	}
	if net.ParseIP(s) == nil {
		return "", fmt.Errorf("invalid bind address: %s", s)
	}
	return s, nil
}

// ParsePort parses a decimal TCP port, rejecting 0 and out-of-range values.
func ParsePort(s string) (uint64, error) {
	s = strings.TrimSpace(s)

	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port number: %s", s)
	}
	if port == 0 || port > 65535 {
		return 0, fmt.Errorf("port number out of range: %d (must be 1-65535)", port)
	}
	return port, nil
}
