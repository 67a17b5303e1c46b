package core

import (
	"net"
	"strconv"
)

// Server is a bound listening socket.
type Server struct {
	fd             int
	address        string
	port           int
	maxConnections int
	accepted       uint64
	live           int
}

// Fd returns the listening descriptor.
func (s *Server) Fd() int { return s.fd }

// Address returns the bind address.
func (s *Server) Address() string { return s.address }

// Port returns the bound port. When bound to port 0 this is the port the
// kernel picked.
func (s *Server) Port() int { return s.port }

// MaxConnections returns the live-connection limit; zero means unlimited.
func (s *Server) MaxConnections() int { return s.maxConnections }

// Accepted returns how many connections were accepted over its lifetime.
func (s *Server) Accepted() uint64 { return s.accepted }

// Live returns how many accepted connections are still open.
func (s *Server) Live() int { return s.live }

func (s *Server) full() bool {
	return s.maxConnections > 0 && s.live >= s.maxConnections
}

func (s *Server) String() string {
	return net.JoinHostPort(s.address, strconv.Itoa(s.port))
}

func addressKey(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}
