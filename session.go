// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package relp

import (
	"net"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"mellium.im/relp/frame"
	"mellium.im/relp/internal/txn"
	"mellium.im/relp/offer"
)

// SessionState is the position of a session in the protocol state
// machine.
type SessionState uint8

const (
	// StateInit is the state of a freshly accepted or dialed
	// connection, before the init command has been seen.
	StateInit SessionState = iota

	// StateOffers means the init offers have been exchanged but the
	// answering response is still in flight.
	StateOffers

	// StateGoWait means the server has answered init and is waiting for
	// the client to commit with go (or, on the client, that go has been
	// sent and its response is awaited).
	StateGoWait

	// StateOpen is the established state in which msg, rsp, close and
	// abort may be exchanged.
	StateOpen

	// StateClosing means a close command has been exchanged and the
	// final response is still outstanding.
	StateClosing

	// StateClosed is the terminal state of an orderly shutdown.
	StateClosed

	// StateBroken is the terminal state entered on any framing or
	// protocol error. The transport is torn down and all outstanding
	// transactions are canceled.
	StateBroken
)

// Terminal reports whether no further frames may be exchanged in this
// state.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateBroken
}

// String satisfies fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateOffers:
		return "OFFERS"
	case StateGoWait:
		return "GO_WAIT"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateBroken:
		return "BROKEN"
	}
	return "UNKNOWN"
}

// outQueueLen bounds the per-session outbound frame queue. Responses
// are bounded by the peer's window, so a full queue means the
// transport stopped draining.
const outQueueLen = 256

// A Session is the server side state for one accepted peer connection:
// its position in the protocol state machine, its frame decoder with
// the partial parse buffer, its transaction registry and its outbound
// queue. Sessions are created by the engine when a listener accepts a
// connection and are owned exclusively by the engine's dispatch
// goroutine; the public accessors are safe from any goroutine.
type Session struct {
	id     string
	engine *Engine
	conn   net.Conn
	log    logrus.FieldLogger

	dec *frame.Decoder
	reg *txn.Registry

	mu       sync.RWMutex
	state    SessionState
	window   int
	accepted offer.Set // subset offered back in the response to init
	offers   offer.Set // final set committed by go

	out      chan []byte
	done     chan struct{}
	closing  sync.Once
	err      error
}

func newSession(e *Engine, conn net.Conn) *Session {
	s := &Session{
		id:     xid.New().String(),
		engine: e,
		conn:   conn,
		dec:    &frame.Decoder{},
		reg:    txn.NewRegistry(0, 0),
		state:  StateInit,
		window: txn.DefaultWindow,
		out:    make(chan []byte, outQueueLen),
		done:   make(chan struct{}),
	}
	s.log = e.log.WithFields(logrus.Fields{
		"session": s.id,
		"peer":    conn.RemoteAddr().String(),
	})
	return s
}

// ID returns the engine-unique identifier of the session, as used in
// log fields.
func (s *Session) ID() string { return s.id }

// State returns the session's current protocol state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that tore the session down, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Offers returns the offer set the client committed with go, or nil
// before the session is open.
func (s *Session) Offers() offer.Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offers
}

// Window returns the transaction window negotiated for the session.
func (s *Session) Window() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window
}

// LocalAddr returns the local address of the underlying transport.
func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the peer address of the underlying transport.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// feed hands transport bytes to the frame decoder and dispatches every
// frame that completed. Any returned error is terminal for the
// session.
func (s *Session) feed(p []byte) error {
	if _, err := s.dec.Write(p); err != nil {
		return err
	}
	for f := s.dec.Next(); f != nil; f = s.dec.Next() {
		if s.State().Terminal() {
			// Frames behind a close or abort are dropped.
			break
		}
		if err := s.engine.DispatchFrame(s, f); err != nil {
			return err
		}
	}
	return nil
}

// send marshals a frame onto the outbound queue. The queue is drained
// by the session's writer goroutine; a full queue means the transport
// stalled and is reported as an error.
func (s *Session) send(f *frame.Frame) error {
	b, err := f.Marshal()
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- b:
		if m := s.engine.metrics; m != nil {
			m.FramesOut.Inc()
		}
		return nil
	default:
		return errQueueFull
	}
}

// reply sends a rsp frame answering the transaction txnr.
func (s *Session) reply(txnr uint64, r Response) error {
	return s.send(&frame.Frame{Txnr: txnr, Cmd: cmdRsp, Data: r.Marshal()})
}

// teardown cancels all outstanding transactions and closes the
// transport. When graceful, already queued frames (such as the final
// response to close) are flushed first; otherwise the connection is
// closed immediately. Safe to call more than once.
func (s *Session) teardown(cause error, graceful bool) {
	s.closing.Do(func() {
		s.mu.Lock()
		if !s.state.Terminal() {
			if cause == nil {
				s.state = StateClosed
			} else {
				s.state = StateBroken
			}
		}
		s.err = cause
		s.mu.Unlock()

		s.reg.CancelAll(cause)
		close(s.done)
		if !graceful {
			s.conn.Close()
		}
	})
}

// readLoop runs on its own goroutine, moving bytes from the transport
// to the engine's dispatch loop. It exits when the transport fails or
// the session is torn down.
func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.engine.events <- readEvent{sess: s, data: data}:
			case <-s.done:
				return
			case <-s.engine.done:
				return
			}
		}
		if err != nil {
			select {
			case s.engine.events <- readErrEvent{sess: s, err: err}:
			case <-s.done:
			case <-s.engine.done:
			}
			return
		}
	}
}

// writeLoop drains the outbound queue onto the transport. On teardown
// it flushes whatever is already queued and then closes the
// connection.
func (s *Session) writeLoop() {
	for {
		select {
		case b := <-s.out:
			if _, err := s.conn.Write(b); err != nil {
				select {
				case s.engine.events <- writeErrEvent{sess: s, err: err}:
				case <-s.done:
				case <-s.engine.done:
				}
				return
			}
		case <-s.done:
			for {
				select {
				case b := <-s.out:
					if _, err := s.conn.Write(b); err != nil {
						s.conn.Close()
						return
					}
				default:
					s.conn.Close()
					return
				}
			}
		}
	}
}
