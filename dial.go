// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package relp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"mellium.im/relp/frame"
	"mellium.im/relp/internal/txn"
	"mellium.im/relp/offer"
)

// A Dialer contains options for connecting to a RELP server.
//
// The zero value is a usable configuration: the default transaction
// window, the default offers and no logging.
type Dialer struct {
	net.Dialer

	// Window is the transaction window requested from the server. The
	// effective window is the smaller of this and what the server
	// accepts. Zero selects the default.
	Window int

	// Offers are additional feature offers announced during the
	// handshake, merged over the defaults.
	Offers offer.Set

	// Logger is the debug sink. Nil discards.
	Logger logrus.FieldLogger
}

// Dial connects to addr with the default Dialer and negotiates a RELP
// session. If addr has no port the default RELP port is used.
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	var d Dialer
	return d.Dial(ctx, network, addr)
}

// Dial connects to the address on the named network and performs the
// init/go handshake. The returned client is open and ready to send. If
// the context expires before the handshake is complete an error is
// returned; after that the context no longer affects the session.
func (d *Dialer) Dial(ctx context.Context, network, addr string) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	window := d.Window
	if window <= 0 {
		window = txn.DefaultWindow
	}
	log := d.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	c := &Client{
		id:     xid.New().String(),
		conn:   conn,
		dec:    &frame.Decoder{},
		reg:    txn.NewRegistry(window, 0),
		state:  StateInit,
		window: window,
		done:   make(chan struct{}),
	}
	c.log = log.WithFields(logrus.Fields{
		"session": c.id,
		"server":  addr,
	})

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := c.handshake(d.Offers); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	go c.readLoop()
	return c, nil
}

// A Client is the originator side of a RELP session: it connects,
// negotiates offers, and sends messages that the collector
// acknowledges. A Client is safe for concurrent use; acknowledgments
// are matched to sends through the transaction registry, so several
// sends may be in flight at once up to the negotiated window.
type Client struct {
	id   string
	conn net.Conn
	log  logrus.FieldLogger
	dec  *frame.Decoder

	mu     sync.Mutex
	reg    *txn.Registry
	state  SessionState
	err    error
	offers offer.Set
	window int

	// slots is a counting semaphore with one token per window slot.
	slots chan struct{}

	wmu     sync.Mutex
	closing sync.Once
	done    chan struct{}
}

// ID returns the client's session identifier, as used in log fields.
func (c *Client) ID() string { return c.id }

// State returns the session's current protocol state.
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that tore the session down, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Offers returns the offer set committed with go.
func (c *Client) Offers() offer.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

// Window returns the effective transaction window.
func (c *Client) Window() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

func (c *Client) setState(st SessionState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

// LocalAddr returns the local address of the underlying transport.
func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the server address of the underlying transport.
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// handshake performs the init/rsp/go/rsp exchange on the calling
// goroutine. The read loop is not running yet, so responses are read
// directly from the transport.
func (c *Client) handshake(extra offer.Set) error {
	mine := offer.New(c.window)
	for name, value := range extra {
		mine[name] = value
	}

	c.setState(StateOffers)
	rsp, err := c.exchange(cmdInit, mine.Marshal())
	if err != nil {
		return err
	}
	if !rsp.OK() {
		return &ResponseError{Code: rsp.Code, Message: rsp.Message}
	}
	srv, err := offer.Parse(rsp.Data)
	if err != nil {
		return err
	}
	if v, ok := srv[offer.RelpVersion]; !ok || v != offer.Version {
		return fmt.Errorf("relp: server offered relp_version %q: %w", v, ErrProtocolViolation)
	}
	window := c.window
	if w, ok := srv.Window(); ok && w < window {
		window = w
	}
	chosen := offer.New(window)
	if cmds, ok := srv[offer.Commands]; ok {
		chosen[offer.Commands] = offer.IntersectCommands("msg", cmds)
	}

	c.mu.Lock()
	c.window = window
	c.reg.SetWindow(window)
	c.state = StateGoWait
	c.mu.Unlock()

	rsp, err = c.exchange(cmdGo, chosen.Marshal())
	if err != nil {
		return err
	}
	if !rsp.OK() {
		return &ResponseError{Code: rsp.Code, Message: rsp.Message}
	}

	c.mu.Lock()
	c.offers = chosen
	c.state = StateOpen
	c.slots = make(chan struct{}, window)
	for i := 0; i < window; i++ {
		c.slots <- struct{}{}
	}
	c.mu.Unlock()
	c.log.WithField("window", window).Debug("relp session open")
	return nil
}

// exchange sends one handshake command and blocks until its response
// has been read from the transport.
func (c *Client) exchange(cmd string, data []byte) (Response, error) {
	var got *frame.Frame
	c.mu.Lock()
	txnr, err := c.reg.Assign(cmd, func(f *frame.Frame, err error) { got = f })
	c.mu.Unlock()
	if err != nil {
		return Response{}, err
	}
	if err := c.write(&frame.Frame{Txnr: txnr, Cmd: cmd, Data: data}); err != nil {
		return Response{}, err
	}
	buf := make([]byte, 4096)
	for got == nil {
		f := c.dec.Next()
		if f == nil {
			n, err := c.conn.Read(buf)
			if n > 0 {
				if _, derr := c.dec.Write(buf[:n]); derr != nil {
					return Response{}, derr
				}
			}
			if err != nil {
				return Response{}, err
			}
			continue
		}
		if f.Cmd != cmdRsp {
			return Response{}, fmt.Errorf("relp: %q during handshake: %w", f.Cmd, ErrProtocolViolation)
		}
		c.mu.Lock()
		err := c.reg.Resolve(f)
		c.mu.Unlock()
		if errors.Is(err, txn.ErrUnknown) {
			return Response{}, fmt.Errorf("relp: rsp for txnr %d: %w", f.Txnr, ErrUnknownTxnr)
		}
	}
	return ParseResponse(got.Data)
}

// write marshals and transmits a single frame.
func (c *Client) write(f *frame.Frame) error {
	b, err := f.Marshal()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(b)
	return err
}

// Send transmits one message and blocks until the collector
// acknowledges it, a window slot becoming free first if all are taken.
// A non-OK acknowledgment is returned as a *ResponseError.
func (c *Client) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.slots:
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	ack, err := c.send(msg)
	if err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Async transmits one message without waiting for the acknowledgment,
// which is delivered on the returned channel. When every window slot
// is taken ErrWindowExhausted is returned and nothing is placed on the
// wire.
func (c *Client) Async(msg []byte) (<-chan error, error) {
	select {
	case <-c.slots:
	case <-c.done:
		return nil, c.closedErr()
	default:
		return nil, ErrWindowExhausted
	}
	return c.send(msg)
}

// send assigns a transaction to the message and puts it on the wire.
// The caller holds a window slot; it is returned when the transaction
// resolves.
func (c *Client) send(msg []byte) (chan error, error) {
	ack := make(chan error, 1)
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		c.releaseSlot()
		return nil, ErrSessionClosed
	}
	txnr, err := c.reg.Assign(cmdMsg, func(f *frame.Frame, err error) {
		c.releaseSlot()
		ack <- ackError(f, err)
	})
	c.mu.Unlock()
	if err != nil {
		c.releaseSlot()
		if errors.Is(err, txn.ErrWindowFull) {
			return nil, ErrWindowExhausted
		}
		return nil, err
	}
	if err := c.write(&frame.Frame{Txnr: txnr, Cmd: cmdMsg, Data: msg}); err != nil {
		c.teardown(err)
		return nil, err
	}
	return ack, nil
}

// ackError converts a resolved transaction into the error delivered to
// the sender.
func ackError(f *frame.Frame, err error) error {
	if err != nil {
		return err
	}
	r, err := ParseResponse(f.Data)
	if err != nil {
		return err
	}
	if !r.OK() {
		return &ResponseError{Code: r.Code, Message: r.Message}
	}
	return nil
}

func (c *Client) releaseSlot() {
	select {
	case c.slots <- struct{}{}:
	default:
	}
}

// Close performs an orderly shutdown: it sends the close command,
// waits for the final response and closes the transport. Outstanding
// transactions that were not acknowledged by then are canceled.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Terminal() || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	select {
	case <-c.slots:
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.teardown(ctx.Err())
		return ctx.Err()
	}

	ack := make(chan error, 1)
	c.mu.Lock()
	txnr, err := c.reg.Assign(cmdClose, func(f *frame.Frame, err error) {
		aerr := ackError(f, err)
		if aerr == nil {
			// Transactions are resolved with c.mu held. Entering the
			// terminal state here keeps the server hanging up right
			// after the final response from being taken as a failure.
			c.state = StateClosed
		}
		ack <- aerr
	})
	c.mu.Unlock()
	if err != nil {
		c.teardown(err)
		return err
	}
	if err := c.write(&frame.Frame{Txnr: txnr, Cmd: cmdClose, Data: nil}); err != nil {
		c.teardown(err)
		return err
	}
	select {
	case err = <-ack:
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.done:
		err = nil
	}
	c.teardown(nil)
	return err
}

// readLoop receives frames after the handshake: acknowledgments for
// outstanding transactions and server initiated close or abort.
func (c *Client) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if _, derr := c.dec.Write(buf[:n]); derr != nil {
				c.log.WithError(derr).Warn("tearing down relp session")
				c.teardown(derr)
				return
			}
			for f := c.dec.Next(); f != nil; f = c.dec.Next() {
				if herr := c.handle(f); herr != nil {
					c.log.WithError(herr).Warn("tearing down relp session")
					c.teardown(herr)
					return
				}
			}
		}
		if err != nil {
			select {
			case <-c.done:
				// Expected: the transport was closed by teardown.
			default:
				c.teardown(err)
			}
			return
		}
	}
}

// handle processes one inbound frame on the client side.
func (c *Client) handle(f *frame.Frame) error {
	c.log.WithField("frame", f.String()).Debug("dispatching frame")
	switch f.Cmd {
	case cmdRsp:
		c.mu.Lock()
		err := c.reg.Resolve(f)
		c.mu.Unlock()
		if errors.Is(err, txn.ErrUnknown) {
			return fmt.Errorf("relp: rsp for txnr %d: %w", f.Txnr, ErrUnknownTxnr)
		}
		return err
	case cmdClose:
		// Server initiated shutdown: acknowledge and quiesce.
		c.write(&frame.Frame{Txnr: f.Txnr, Cmd: cmdRsp, Data: Response{Code: StatusOK, Message: "OK"}.Marshal()})
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.teardown(nil)
		return nil
	case cmdAbort:
		return ErrAborted
	case cmdInit, cmdGo, cmdMsg:
		return fmt.Errorf("relp: %q from server: %w", f.Cmd, ErrProtocolViolation)
	default:
		return fmt.Errorf("relp: command %q: %w", f.Cmd, ErrInvalidCommand)
	}
}

// closedErr is the error reported for operations on a dead session.
func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}

// teardown cancels outstanding transactions, closes the transport and
// marks the terminal state. Safe to call more than once.
func (c *Client) teardown(cause error) {
	c.closing.Do(func() {
		c.mu.Lock()
		if !c.state.Terminal() {
			if cause == nil {
				c.state = StateClosed
			} else {
				c.state = StateBroken
			}
		}
		c.err = cause
		canceled := cause
		if canceled == nil {
			canceled = ErrSessionClosed
		}
		c.reg.CancelAll(canceled)
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}
