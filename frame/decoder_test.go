// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package frame_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"mellium.im/relp/frame"
)

var decodeTests = [...]struct {
	in     string
	frames []frame.Frame
	err    bool
}{
	0: {"1 msg 5 hello\n", []frame.Frame{{Txnr: 1, Cmd: "msg", Data: []byte("hello")}}, false},
	1: {"1 close 0 \n", []frame.Frame{{Txnr: 1, Cmd: "close", Data: []byte{}}}, false},
	// Empty payload without the space after DATALEN (historical form).
	2: {"1 close 0\n", []frame.Frame{{Txnr: 1, Cmd: "close", Data: []byte{}}}, false},
	// Payload containing the delimiter bytes.
	3: {"2 msg 3 a\nb\n", []frame.Frame{{Txnr: 2, Cmd: "msg", Data: []byte("a\nb")}}, false},
	// Several frames back to back.
	4: {"1 msg 2 ab\n2 msg 2 cd\n", []frame.Frame{
		{Txnr: 1, Cmd: "msg", Data: []byte("ab")},
		{Txnr: 2, Cmd: "msg", Data: []byte("cd")},
	}, false},
	// DATALEN says five but only two payload bytes precede the LF: the
	// LF is consumed as data and the real trailer check fails later, or
	// the next header byte is not an LF. Either way the stream dies.
	5: {"1 msg 5 hi\n1 m", nil, true},
	// Non-digit in the txnr.
	6: {"x msg 5 hello\n", nil, true},
	// Missing txnr.
	7: {" msg 5 hello\n", nil, true},
	// Txnr longer than nine digits.
	8: {"1234567890 msg 5 hello\n", nil, true},
	// Digit in the command.
	9: {"1 msg2 5 hello\n", nil, true},
	// Command longer than 32 octets.
	10: {"1 " + strings.Repeat("a", 33) + " 5 hello\n", nil, true},
	// Missing command.
	11: {"1  5 hello\n", nil, true},
	// Garbage where the trailer should be.
	12: {"1 msg 2 hix", nil, true},
	// Missing datalen.
	13: {"1 msg  hello\n", nil, true},
	// LF directly after a nonzero datalen.
	14: {"1 msg 5\n", nil, true},
	// Txnr of zero is wire-legal (reserved for unsolicited frames).
	15: {"0 serverclose 0 \n", []frame.Frame{{Txnr: 0, Cmd: "serverclose", Data: []byte{}}}, false},
}

func TestDecode(t *testing.T) {
	for i, test := range decodeTests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			d := &frame.Decoder{}
			_, err := d.Write([]byte(test.in))
			switch {
			case test.err && err == nil:
				t.Fatalf("Expected decoding %q to fail", test.in)
			case !test.err && err != nil:
				t.Fatal(err)
			case err != nil && !errors.Is(err, frame.ErrMalformed):
				t.Fatalf("Expected error to wrap ErrMalformed, got %v", err)
			}
			if test.err {
				// A poisoned decoder keeps failing.
				if _, err := d.Write([]byte("1 msg 0 \n")); err == nil {
					t.Error("Expected a poisoned decoder to keep returning its error")
				}
				return
			}
			for j, want := range test.frames {
				got := d.Next()
				if got == nil {
					t.Fatalf("Missing frame %d", j)
				}
				if got.Txnr != want.Txnr || got.Cmd != want.Cmd || !bytes.Equal(got.Data, want.Data) {
					t.Errorf("Bad frame %d:\nwant=%v,\ngot=%v", j, &want, got)
				}
			}
			if extra := d.Next(); extra != nil {
				t.Errorf("Unexpected extra frame %v", extra)
			}
		})
	}
}

// Frames must decode identically regardless of how the transport slices
// the byte stream.
func TestDecodeSplit(t *testing.T) {
	const stream = "1 msg 5 hello\n2 rsp 6 200 OK\n3 close 0 \n"
	for size := 1; size <= len(stream); size++ {
		t.Run(fmt.Sprintf("chunk%d", size), func(t *testing.T) {
			d := &frame.Decoder{}
			for off := 0; off < len(stream); off += size {
				end := off + size
				if end > len(stream) {
					end = len(stream)
				}
				if _, err := d.Write([]byte(stream[off:end])); err != nil {
					t.Fatal(err)
				}
			}
			var got []*frame.Frame
			for f := d.Next(); f != nil; f = d.Next() {
				got = append(got, f)
			}
			if len(got) != 3 {
				t.Fatalf("Expected 3 frames, got %d", len(got))
			}
			if got[0].Cmd != "msg" || got[1].Cmd != "rsp" || got[2].Cmd != "close" {
				t.Errorf("Bad commands: %v %v %v", got[0], got[1], got[2])
			}
		})
	}
}
