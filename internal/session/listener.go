package session

import (
	"net"

	"github.com/peerchat/peerchat/internal/identity"
	"github.com/peerchat/peerchat/internal/logging"
)

// AcceptedHandler receives one successfully handshaken inbound session.
// The caller (orchestrator) decides whether to keep it, race-resolve it
// against an outbound dial to the same peer, or close it immediately.
type AcceptedHandler func(s *Session)

// Listener accepts inbound TCP connections and performs the responder
// side of the handshake on each, handing completed sessions off to an
// AcceptedHandler: one goroutine blocked in Accept, one short-lived
// goroutine per connection to do the (potentially slow) handshake off the
// accept path.
type Listener struct {
	ln       net.Listener
	local    identity.ID
	features []string
	opts     []Option
	log      *logging.Logger
}

// Listen opens a TCP listener on addr (host:port, host may be empty for
// all interfaces).
func Listen(addr string, local identity.ID, features []string, opts ...Option) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		ln:       ln,
		local:    local,
		features: features,
		opts:     opts,
		log:      logging.New("listener"),
	}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve blocks accepting connections until the listener is closed, handing
// each successfully handshaken session to handler. Rejected or failed
// handshakes are logged and the connection is dropped; a single bad dialer
// never stalls the accept loop.
func (l *Listener) Serve(handler AcceptedHandler) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}
		go l.handshake(conn, handler)
	}
}

func (l *Listener) handshake(conn net.Conn, handler AcceptedHandler) {
	s, err := Accept(conn, l.local, l.features, l.opts...)
	if err != nil {
		l.log.Warnf("inbound handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	l.log.Infof("inbound session %s from %s established", s.ID(), s.Remote())
	handler(s)
}
