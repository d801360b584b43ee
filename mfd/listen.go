package mfd

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/influx6/faux/netutils"
)

// tlsHandshakeTimeout bounds how long an accepted connection may take
// to finish its tls handshake before the acceptor drops it.
const tlsHandshakeTimeout = 2 * time.Second

// errors ...
var (
	ErrAcceptorClosed = errors.New("acceptor already closed")
)

// Acceptor binds a listener and hands accepted connections out as
// descriptor streams, tls-upgraded when configured. Every stream it
// yields carries the acceptor's options.
type Acceptor struct {
	ml     sync.Mutex
	l      net.Listener
	config *tls.Config
	ops    []Option
}

// Listen binds the giving protocol and address. A non-nil tls config
// upgrades accepted connections before they are wrapped. The giving
// options apply to every accepted stream.
func Listen(protocol string, addr string, config *tls.Config, ops ...Option) (*Acceptor, error) {
	lt, err := netutils.MakeListener(protocol, addr, config)
	if err != nil {
		return nil, err
	}

	if tlt, ok := lt.(*net.TCPListener); ok {
		lt = netutils.NewKeepAliveListener(tlt)
	}

	return &Acceptor{l: lt, config: config, ops: ops}, nil
}

// Addr returns the bound listener address, nil once closed.
func (a *Acceptor) Addr() net.Addr {
	a.ml.Lock()
	defer a.ml.Unlock()
	if a.l == nil {
		return nil
	}
	return a.l.Addr()
}

// Accept waits for the next connection and returns it wrapped as a
// Stream. The stream owns the connection from here on.
func (a *Acceptor) Accept() (*Stream, error) {
	a.ml.Lock()
	listener := a.l
	a.ml.Unlock()

	if listener == nil {
		return nil, ErrAcceptorClosed
	}

	conn, err := listener.Accept()
	if err != nil {
		return nil, err
	}

	if a.config != nil {
		if conn, err = a.upgrade(conn); err != nil {
			return nil, err
		}
	}

	return FromConn(conn, a.ops...), nil
}

// Close shuts the listener down. Streams already accepted stay alive.
// Closing twice returns ErrAcceptorClosed.
func (a *Acceptor) Close() error {
	a.ml.Lock()
	listener := a.l
	a.l = nil
	a.ml.Unlock()

	if listener == nil {
		return ErrAcceptorClosed
	}
	return listener.Close()
}

// upgrade runs the server side of the tls handshake under a deadline
// so a stalled client cannot hold the accept loop's connection.
func (a *Acceptor) upgrade(conn net.Conn) (net.Conn, error) {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		tc = tls.Server(conn, a.config)
	}

	tc.SetDeadline(time.Now().Add(tlsHandshakeTimeout))
	if err := tc.Handshake(); err != nil {
		tc.Close()
		return nil, err
	}
	tc.SetDeadline(time.Time{})

	return tc, nil
}
