// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package relp

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPort is the port listeners bind and dialers connect to when
// no port is given.
const DefaultPort = "514"

// A Listener owns one bound listening socket for a configured port and
// accepts new connections into fresh sessions on the owning engine.
// Listeners are created with Engine.AddListener and live until the
// engine shuts down.
type Listener struct {
	engine *Engine
	port   string
	ln     net.Listener
	log    logrus.FieldLogger
}

// AddListener binds a listening socket and registers it with the
// engine. The port may be a bare port number, a host:port address, or
// empty for the default RELP port. Accepting begins immediately;
// accepted sessions are not dispatched until Run is draining the
// engine.
func (e *Engine) AddListener(port string) (*Listener, error) {
	addr := port
	switch {
	case addr == "":
		addr = ":" + DefaultPort
	case !strings.Contains(addr, ":"):
		addr = ":" + addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		engine: e,
		port:   port,
		ln:     ln,
		log:    e.log.WithField("listener", ln.Addr().String()),
	}
	e.lmu.Lock()
	e.listeners = append(e.listeners, l)
	e.lmu.Unlock()
	l.log.Info("relp listener bound")
	go l.serve()
	return l, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close closes the bound socket. Sessions already accepted are not
// affected.
func (l *Listener) Close() error { return l.ln.Close() }

// serve accepts connections until the socket dies. Transient failures
// are retried with a short delay; a fatal failure removes the listener
// from the engine.
func (l *Listener) serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			select {
			case l.engine.events <- listenerErrEvent{ln: l, err: err}:
			case <-l.engine.done:
			}
			return
		}
		select {
		case l.engine.events <- acceptEvent{ln: l, conn: conn}:
		case <-l.engine.done:
			conn.Close()
			return
		}
	}
}
