package frame

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func roundtrip(t *testing.T, f *Frame) *Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := NewEncoder(&buf, 0).Write(f); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := NewDecoder(&buf, 0).Read()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got
}

func TestRoundtrip(t *testing.T) {
	t.Parallel()
	frames := []*Frame{
		Register("a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6", 3000),
		Registered(true, "", ""),
		Registered(false, "TOKEN_IN_USE", "token already registered"),
		{Kind: KindRequest, ID: 7, Method: "POST", Path: "/x?q=1",
			Headers: map[string]string{"content-type": "text/plain"},
			Body:    []byte("hello"), RemoteAddr: "203.0.113.9:4242"},
		Response(7, 200, map[string]string{"x-served-by": "app"}, []byte("ok")),
		Error(7, CodePayloadTooLarge, "body exceeds cap"),
		Error(0, CodeShuttingDown, "relay stopping"),
		Ping(123456),
		Pong(123456),
	}
	for _, f := range frames {
		got := roundtrip(t, f)
		if !reflect.DeepEqual(f, got) {
			t.Errorf("roundtrip mismatch:\n want %+v\n got  %+v", f, got)
		}
	}
}

func TestDecodeMultipleFramesInOrder(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)
	for i := uint64(1); i <= 3; i++ {
		if err := enc.Write(Response(i, 200, nil, nil)); err != nil {
			t.Fatal(err)
		}
	}
	dec := NewDecoder(&buf, 0)
	for i := uint64(1); i <= 3; i++ {
		f, err := dec.Read()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.ID != i {
			t.Fatalf("frame order broken: want id %d, got %d", i, f.ID)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		line string
	}{
		{"not json", "this is not json\n"},
		{"missing kind", `{"id":1,"status":200}` + "\n"},
		{"numeric kind", `{"kind":42}` + "\n"},
		{"request without id", `{"kind":"request","method":"GET","path":"/"}` + "\n"},
		{"response bad status", `{"kind":"response","id":1,"status":42}` + "\n"},
		{"register without token", `{"kind":"register","targetPort":3000}` + "\n"},
		{"error without code", `{"kind":"error","id":1}` + "\n"},
		{"registered without ok", `{"kind":"registered"}` + "\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewDecoder(strings.NewReader(tc.line), 0).Read()
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("want ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeUnknownKindNotFatal(t *testing.T) {
	t.Parallel()
	f, err := NewDecoder(strings.NewReader(`{"kind":"cancel","id":9}`+"\n"), 0).Read()
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("want ErrUnknownKind, got %v", err)
	}
	if f == nil || f.Kind != "cancel" {
		t.Fatalf("unknown-kind frame should still be returned, got %+v", f)
	}
}

func TestDecodeOversizeFrame(t *testing.T) {
	t.Parallel()
	line := `{"kind":"ping","ts":1,"pad":"` + strings.Repeat("x", 2048) + `"}` + "\n"
	_, err := NewDecoder(strings.NewReader(line), 1024).Read()
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("want ErrTooLarge, got %v", err)
	}
}

func TestDecodeOversizeWithoutNewline(t *testing.T) {
	t.Parallel()
	// A peer streaming an endless unterminated line must fail at the cap,
	// not buffer forever.
	r := strings.NewReader(strings.Repeat("a", 1<<20))
	_, err := NewDecoder(r, 4096).Read()
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("want ErrTooLarge, got %v", err)
	}
}

func TestEncodeOversizeFrame(t *testing.T) {
	t.Parallel()
	f := Response(1, 200, nil, bytes.Repeat([]byte("x"), 4096))
	err := NewEncoder(&bytes.Buffer{}, 1024).Write(f)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("want ErrTooLarge, got %v", err)
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	t.Parallel()
	err := NewEncoder(&bytes.Buffer{}, 0).Write(&Frame{Kind: KindRequest})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestBodyIsBase64OnTheWire(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := NewEncoder(&buf, 0).Write(Response(1, 200, nil, []byte("hi"))); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"body":"aGk="`) {
		t.Fatalf("body not base64 encoded: %s", buf.String())
	}
	if strings.Count(buf.String(), "\n") != 1 || !strings.HasSuffix(buf.String(), "\n") {
		t.Fatalf("frame must be a single newline-terminated line: %q", buf.String())
	}
}
