package server

import (
	"net"
	"strings"
	"time"
)

const (
	DefaultAddr       = ":8080"
	DefaultUserHeader = "X-User-ID"

	// DefaultMaxBodyBytes limits request payloads to 256 KB.
	DefaultMaxBodyBytes int64 = 256 << 10

	DefaultReadTimeout = 15 * time.Second
	DefaultIdleTimeout = 60 * time.Second

	// DefaultWriteTimeout bounds a whole streamed run, so it covers three provider calls.
	DefaultWriteTimeout = 5 * time.Minute

	// DefaultHistoryLimit caps history listings when the client does not ask for less.
	DefaultHistoryLimit = 50
)

// Settings captures runtime configuration for the HTTP server.
type Settings struct {
	Addr         string
	UserHeader   string
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	HistoryLimit int
}

func (s *Settings) normalize() {
	s.Addr = strings.TrimSpace(s.Addr)
	if s.Addr == "" {
		s.Addr = DefaultAddr
	}
	s.UserHeader = strings.TrimSpace(s.UserHeader)
	if s.UserHeader == "" {
		s.UserHeader = DefaultUserHeader
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = DefaultHistoryLimit
	}
}

// URL returns the HTTP base URL for addr, using loopback for an unspecified host.
func URL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
