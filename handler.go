// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package relp

// A Handler consumes the payload of each validated msg frame delivered
// over an open session. Returning nil acknowledges the message with a
// 200 response; returning an error rejects it with a 500 response
// carrying the error text. Handlers run on the engine's dispatch
// goroutine and must not block; a slow sink should enqueue the payload
// and fail only when it cannot take ownership of it.
type Handler interface {
	HandleMessage(sess *Session, msg []byte) error
}

// HandlerFunc is an adapter to allow the use of ordinary functions as
// message handlers.
type HandlerFunc func(sess *Session, msg []byte) error

// HandleMessage calls f(sess, msg).
func (f HandlerFunc) HandleMessage(sess *Session, msg []byte) error {
	return f(sess, msg)
}
