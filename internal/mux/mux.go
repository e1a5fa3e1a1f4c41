// Package mux implements the single-port TCP multiplexer: every accepted
// connection is classified by its first byte into either the HTTP
// router or the ICE-TCP session matcher, with no TLS peek and no
// protocol negotiation required.
package mux

import (
	"bufio"
	"errors"
	"net"

	"github.com/lanternops/waydesk/internal/logging"
)

// httpMethodLetters is the set of first bytes that can only begin an
// HTTP/1.1 request line (GET, POST, PUT, PATCH, HEAD, DELETE, OPTIONS,
// CONNECT, TRACE). RFC 4571's length prefix and STUN's 0x00/0x01 leading
// byte are disjoint from this set.
var httpMethodLetters = map[byte]bool{
	'G': true, 'P': true, 'H': true, 'D': true,
	'O': true, 'C': true, 'T': true,
}

// Conn wraps a net.Conn whose first byte has already been peeked and
// must be replayed to whichever handler receives it.
type Conn struct {
	net.Conn
	r *bufio.Reader
}

// Read satisfies net.Conn by reading through the buffered reader that
// holds the peeked first byte.
func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Mux accepts connections on a single listener and dispatches each one
// to either an HTTP handler or an ICE-TCP handler based on its first
// byte.
type Mux struct {
	listener  net.Listener
	httpFunc  func(net.Conn)
	iceFunc   func(net.Conn)
}

// New wraps listener, routing classified connections to httpFunc (HTTP
// traffic) or iceFunc (ICE-TCP/STUN/DTLS/SRTP/SCTP traffic).
func New(listener net.Listener, httpFunc, iceFunc func(net.Conn)) *Mux {
	return &Mux{listener: listener, httpFunc: httpFunc, iceFunc: iceFunc}
}

// Serve runs the accept loop until the listener is closed. Per-connection
// failures never stop the loop.
func (m *Mux) Serve() error {
	log := logging.L("mux")
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("accept failed", "error", err)
			continue
		}
		go m.dispatch(conn)
	}
}

func (m *Mux) dispatch(conn net.Conn) {
	log := logging.L("mux")

	r := bufio.NewReader(conn)
	first, err := r.Peek(1)
	if err != nil {
		log.Debug("peek failed, closing", "error", err)
		conn.Close()
		return
	}

	wrapped := &Conn{Conn: conn, r: r}
	if httpMethodLetters[first[0]] {
		m.httpFunc(wrapped)
		return
	}
	m.iceFunc(wrapped)
}
