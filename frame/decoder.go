// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package frame

import (
	"fmt"
)

// decoder states, one per frame field currently being read.
type decodeState uint8

const (
	readTxnr decodeState = iota
	readCmd
	readDatalen
	readData
	readTrailer
)

// A Decoder incrementally parses RELP frames from a byte stream. Bytes
// are fed in with Write as they arrive from the transport; completed
// frames are retrieved with Next. A Decoder keeps the parse position of
// a partially received frame between Write calls, so a frame may be fed
// one byte at a time.
//
// The zero value is ready for use. A Decoder is not safe for concurrent
// use.
//
// Once Write has returned an error the decoder is poisoned: the stream
// cannot be resynchronized and every further call returns the same
// error.
type Decoder struct {
	state  decodeState
	err    error
	frames []*Frame

	txnr    uint64
	digits  int
	cmd     []byte
	datalen int
	data    []byte
}

// Write feeds raw transport bytes to the decoder. It implements
// io.Writer: n is the number of bytes consumed, which is less than
// len(p) only when the stream turned out to be malformed. Any error
// wraps ErrMalformed and is terminal for the stream.
func (d *Decoder) Write(p []byte) (n int, err error) {
	if d.err != nil {
		return 0, d.err
	}
	for i := 0; i < len(p); i++ {
		if err := d.feed(p[i]); err != nil {
			d.err = err
			return i, err
		}
	}
	return len(p), nil
}

// Next returns the next completely parsed frame, or nil when no
// complete frame is buffered.
func (d *Decoder) Next() *Frame {
	if len(d.frames) == 0 {
		return nil
	}
	f := d.frames[0]
	d.frames = d.frames[1:]
	return f
}

// feed advances the parse state machine by a single byte.
func (d *Decoder) feed(b byte) error {
	switch d.state {
	case readTxnr:
		switch {
		case isDigit(b):
			if d.digits == maxNumDigits {
				return fmt.Errorf("frame: txnr longer than %d digits: %w", maxNumDigits, ErrMalformed)
			}
			d.txnr = d.txnr*10 + uint64(b-'0')
			d.digits++
		case b == ' ':
			if d.digits == 0 {
				return fmt.Errorf("frame: missing txnr: %w", ErrMalformed)
			}
			d.digits = 0
			d.state = readCmd
		default:
			return fmt.Errorf("frame: byte %#x in txnr: %w", b, ErrMalformed)
		}
	case readCmd:
		switch {
		case isAlpha(b):
			if len(d.cmd) == MaxCmdLen {
				return fmt.Errorf("frame: command longer than %d octets: %w", MaxCmdLen, ErrMalformed)
			}
			d.cmd = append(d.cmd, b)
		case b == ' ':
			if len(d.cmd) == 0 {
				return fmt.Errorf("frame: missing command: %w", ErrMalformed)
			}
			d.state = readDatalen
		default:
			return fmt.Errorf("frame: byte %#x in command: %w", b, ErrMalformed)
		}
	case readDatalen:
		switch {
		case isDigit(b):
			if d.digits == maxNumDigits {
				return fmt.Errorf("frame: datalen longer than %d digits: %w", maxNumDigits, ErrMalformed)
			}
			d.datalen = d.datalen*10 + int(b-'0')
			d.digits++
		case b == ' ':
			if d.digits == 0 {
				return fmt.Errorf("frame: missing datalen: %w", ErrMalformed)
			}
			d.digits = 0
			if d.datalen == 0 {
				d.state = readTrailer
			} else {
				d.data = make([]byte, 0, d.datalen)
				d.state = readData
			}
		case b == '\n':
			// Historical form: with an empty payload some senders omit
			// the space after DATALEN and terminate the header directly.
			if d.digits == 0 || d.datalen != 0 {
				return fmt.Errorf("frame: byte %#x in datalen: %w", b, ErrMalformed)
			}
			d.emit()
		default:
			return fmt.Errorf("frame: byte %#x in datalen: %w", b, ErrMalformed)
		}
	case readData:
		d.data = append(d.data, b)
		if len(d.data) == d.datalen {
			d.state = readTrailer
		}
	case readTrailer:
		if b != '\n' {
			return fmt.Errorf("frame: byte %#x in place of trailer: %w", b, ErrMalformed)
		}
		d.emit()
	}
	return nil
}

// emit queues the frame under construction and resets the state machine
// for the next one.
func (d *Decoder) emit() {
	data := d.data
	if data == nil {
		data = []byte{}
	}
	d.frames = append(d.frames, &Frame{
		Txnr: d.txnr,
		Cmd:  string(d.cmd),
		Data: data,
	})
	d.state = readTxnr
	d.txnr = 0
	d.digits = 0
	d.cmd = d.cmd[:0]
	d.datalen = 0
	d.data = nil
}
