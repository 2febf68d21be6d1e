// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package relp_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"mellium.im/relp"
)

var parseResponseTests = [...]struct {
	in  string
	out relp.Response
	err bool
}{
	0: {"200 OK\n", relp.Response{Code: 200, Message: "OK"}, false},
	1: {"200\n", relp.Response{Code: 200}, false},
	2: {"200 OK", relp.Response{Code: 200, Message: "OK"}, false},
	3: {"500 out of space\n", relp.Response{Code: 500, Message: "out of space"}, false},
	4: {"200 OK\nrelp_version=1\n", relp.Response{Code: 200, Message: "OK", Data: []byte("relp_version=1\n")}, false},
	5: {"", relp.Response{}, true},
	6: {"abc\n", relp.Response{}, true},
	7: {"2000 nope\n", relp.Response{}, true},
	8: {"200OK\n", relp.Response{}, true},
}

func TestParseResponse(t *testing.T) {
	for i, test := range parseResponseTests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			got, err := relp.ParseResponse([]byte(test.in))
			switch {
			case test.err && err == nil:
				t.Fatalf("Expected parsing %q to fail", test.in)
			case !test.err && err != nil:
				t.Fatal(err)
			case err != nil && !errors.Is(err, relp.ErrBadResponse):
				t.Fatalf("Expected error to wrap ErrBadResponse, got %v", err)
			case !test.err:
				if got.Code != test.out.Code || got.Message != test.out.Message || !bytes.Equal(got.Data, test.out.Data) {
					t.Errorf("Bad output:\nwant=%+v,\ngot=%+v", test.out, got)
				}
			}
		})
	}
}

var marshalResponseTests = [...]struct {
	in  relp.Response
	out string
}{
	0: {relp.Response{Code: 200, Message: "OK"}, "200 OK\n"},
	1: {relp.Response{Code: 500}, "500\n"},
	2: {relp.Response{Code: 200, Message: "OK", Data: []byte("a=b\n")}, "200 OK\na=b\n"},
	// Line feeds in the human readable part are flattened.
	3: {relp.Response{Code: 500, Message: "two\nlines"}, "500 two lines\n"},
}

func TestMarshalResponse(t *testing.T) {
	for i, test := range marshalResponseTests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			if got := string(test.in.Marshal()); got != test.out {
				t.Errorf("Bad output:\nwant=%q,\ngot=%q", test.out, got)
			}
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	orig := relp.Response{Code: 200, Message: "OK", Data: []byte("relp_version=1\ncommands=msg\n")}
	got, err := relp.ParseResponse(orig.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.Code != orig.Code || got.Message != orig.Message || !bytes.Equal(got.Data, orig.Data) {
		t.Errorf("Bad round trip:\nwant=%+v,\ngot=%+v", orig, got)
	}
}
