package session

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/coinparty/mixpeer/wire"
)

// NetLink is a transport.Link backed by a live TLS connection: Send writes
// one already-framed, already-signed wire message. [NEW, §4.B/O4]: the
// source talks plaintext TCP; every peer link here is TLS configured by
// SelfSignedTLSConfig, each side presenting an ephemeral self-signed
// P-256 certificate. The certificate is not tied to the peer's secp256k1
// identity key and is not verified by the other side; who sent a message
// is checked per message by Session.Dispatch's signature check instead.
type NetLink struct {
	conn net.Conn
}

// Send implements transport.Link.
func (l *NetLink) Send(msg []byte) error {
	_, err := l.conn.Write(msg)
	return err
}

// Dial opens a TLS connection to a peer's P2P
// address and wraps it as a NetLink.
func Dial(addr string, tlsCfg *tls.Config) (*NetLink, error) {
	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("session: dialing %s: %w", addr, err)
	}
	return &NetLink{conn: conn}, nil
}

// Listener accepts inbound TLS connections and hands
// each accepted conn's decoded message stream to onMessage, reading exactly
// one framed wire message at a time off Header.Length the way
// wire.EncodeHeader's length field promises.
type Listener struct {
	ln net.Listener
}

// Listen starts accepting TLS connections on addr.
func Listen(addr string, tlsCfg *tls.Config) (*Listener, error) {
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("session: listening on %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until Close is called, reading framed messages
// off each one and passing them to onMessage(rank, msg). rank is not known
// until the connection's first message header is parsed, mirroring
// Transaction.py's behavior of identifying a peer by its claimed sender
// rank rather than the socket's address.
func (l *Listener) Serve(onMessage func(rank uint16, msg []byte)) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}
		go serveConn(conn, onMessage)
	}
}

func serveConn(conn net.Conn, onMessage func(rank uint16, msg []byte)) {
	defer conn.Close()
	for {
		header := make([]byte, wire.HeaderLength)
		if _, err := readFull(conn, header); err != nil {
			return
		}
		total := wire.GetLength(header)
		if total < uint32(wire.HeaderLength) {
			return
		}
		msg := make([]byte, total)
		copy(msg, header)
		if _, err := readFull(conn, msg[wire.HeaderLength:]); err != nil {
			return
		}
		onMessage(wire.GetRank(msg), msg)
	}
}

// readFull reads exactly len(buf) bytes or returns the first error.
func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
