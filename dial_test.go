// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package relp_test

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mellium.im/relp"
	"mellium.im/relp/frame"
	"mellium.im/relp/offer"
)

func TestDialSend(t *testing.T) {
	var mu sync.Mutex
	var got []string
	e, addr := startEngine(t, relp.HandlerFunc(func(sess *relp.Session, msg []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg))
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := relp.Dial(ctx, "tcp", addr)
	require.NoError(t, err)
	require.Equal(t, relp.StateOpen, c.State())
	assert.Equal(t, offer.Version, c.Offers()[offer.RelpVersion])

	require.NoError(t, c.Send(ctx, []byte("one")))
	require.NoError(t, c.Send(ctx, []byte("two")))

	mu.Lock()
	assert.Equal(t, []string{"one", "two"}, got)
	mu.Unlock()

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, relp.StateClosed, c.State())
	require.Eventually(t, func() bool { return e.SessionCount() == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestDialSinkRejection(t *testing.T) {
	_, addr := startEngine(t, relp.HandlerFunc(func(sess *relp.Session, msg []byte) error {
		return assert.AnError
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := relp.Dial(ctx, "tcp", addr)
	require.NoError(t, err)
	defer c.Close(ctx)

	err = c.Send(ctx, []byte("doomed"))
	var rerr *relp.ResponseError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, relp.StatusError, rerr.Code)
}

// scriptServer accepts one connection, answers the handshake with the
// given window and then acknowledges msg transactions only when told
// to.
type scriptServer struct {
	t    *testing.T
	ln   net.Listener
	conn net.Conn
	dec  *frame.Decoder
	acks chan uint64
	wmu  sync.Mutex
}

func newScriptServer(t *testing.T, window int) *scriptServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &scriptServer{t: t, ln: ln, dec: &frame.Decoder{}, acks: make(chan uint64, 16)}
	t.Cleanup(func() {
		ln.Close()
		if s.conn != nil {
			s.conn.Close()
		}
	})
	go s.serve(window)
	return s
}

func (s *scriptServer) addr() string { return s.ln.Addr().String() }

func (s *scriptServer) serve(window int) {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.conn = conn
	accepted := offer.Set{
		offer.RelpVersion: offer.Version,
		offer.WindowSize:  strconv.Itoa(window),
		offer.Commands:    "msg",
	}
	// msg transactions are acknowledged only when the test releases
	// them through the acks channel.
	go func() {
		for txnr := range s.acks {
			s.reply(txnr, relp.Response{Code: relp.StatusOK, Message: "OK"})
		}
	}()
	for {
		f := s.next()
		if f == nil {
			return
		}
		switch f.Cmd {
		case "init":
			s.reply(f.Txnr, relp.Response{Code: relp.StatusOK, Message: "OK", Data: accepted.Marshal()})
		case "go":
			s.reply(f.Txnr, relp.Response{Code: relp.StatusOK, Message: "OK"})
		case "msg":
			// Held until the test releases the ack.
		case "close":
			s.reply(f.Txnr, relp.Response{Code: relp.StatusOK, Message: "OK"})
			return
		}
	}
}

func (s *scriptServer) next() *frame.Frame {
	buf := make([]byte, 4096)
	for {
		if f := s.dec.Next(); f != nil {
			return f
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			if _, derr := s.dec.Write(buf[:n]); derr != nil {
				return nil
			}
		}
		if err != nil {
			return nil
		}
	}
}

func (s *scriptServer) reply(txnr uint64, r relp.Response) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	f := frame.Frame{Txnr: txnr, Cmd: "rsp", Data: r.Marshal()}
	f.WriteTo(s.conn)
}

func TestWindowExhausted(t *testing.T) {
	srv := newScriptServer(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := relp.Dialer{Window: 2}
	c, err := d.Dial(ctx, "tcp", srv.addr())
	require.NoError(t, err)
	assert.Equal(t, 2, c.Window())

	// Two sends fit the window; the third is refused locally and never
	// reaches the wire.
	ack1, err := c.Async([]byte("first"))
	require.NoError(t, err)
	_, err = c.Async([]byte("second"))
	require.NoError(t, err)
	_, err = c.Async([]byte("third"))
	require.ErrorIs(t, err, relp.ErrWindowExhausted)

	// Acknowledging the first msg transaction (txnr 3: the handshake
	// used 1 and 2) frees a slot.
	srv.acks <- 3
	select {
	case err := <-ack1:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Timed out waiting for the first ack")
	}
	_, err = c.Async([]byte("third again"))
	require.NoError(t, err)
}

func TestDialVersionRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := &frame.Decoder{}
		buf := make([]byte, 4096)
		for {
			if f := dec.Next(); f != nil {
				r := frame.Frame{Txnr: f.Txnr, Cmd: "rsp", Data: relp.Response{
					Code: relp.StatusError, Message: "insufficient version",
				}.Marshal()}
				r.WriteTo(conn)
				return
			}
			n, rerr := conn.Read(buf)
			if n > 0 {
				dec.Write(buf[:n])
			}
			if rerr != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = relp.Dial(ctx, "tcp", ln.Addr().String())
	var rerr *relp.ResponseError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, relp.StatusError, rerr.Code)
}
