package etf

import (
	"bytes"
	"math/big"
	"testing"
)

// S1/S2/S3 from the spec's concrete-scenario table.
func TestDecodeSmallInteger(t *testing.T) {
	term, rest, err := Decode([]byte{131, 97, 42})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("rest = %v, want empty", rest)
	}
	if term != int64(42) {
		t.Fatalf("term = %#v, want 42", term)
	}
}

func TestDecodeNegativeInteger(t *testing.T) {
	term, _, err := Decode([]byte{131, 98, 0xFF, 0xFF, 0xFF, 0x9C})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if term != int64(-100) {
		t.Fatalf("term = %#v, want -100", term)
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode([]byte{131, 97})
	if err == nil {
		t.Fatal("expected error on truncated stream")
	}
}

func TestDecodeInvalidTag(t *testing.T) {
	_, _, err := Decode([]byte{131, 0xFE})
	de, ok := asDecodeError(err)
	if !ok {
		t.Fatalf("expected *DecodeError, got %T (%v)", err, err)
	}
	if de.Kind != "InvalidTag" || de.Byte != 0xFE {
		t.Fatalf("got %+v", de)
	}
}

func TestDecodeAtom(t *testing.T) {
	term, _, err := Decode([]byte{131, 119, 2, 'o', 'k'})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if term != Atom("ok") {
		t.Fatalf("term = %#v, want ok", term)
	}
}

func TestDecodeTupleOfAtomAndInt(t *testing.T) {
	// {ok, 1}
	b := []byte{131, 104, 2, 119, 2, 'o', 'k', 97, 1}
	term, rest, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("rest=%v", rest)
	}
	tup, ok := term.(Tuple)
	if !ok || len(tup) != 2 {
		t.Fatalf("term = %#v", term)
	}
	if tup[0] != Atom("ok") || tup[1] != int64(1) {
		t.Fatalf("term = %#v", term)
	}
}

func TestDecodeDuplicateMapKey(t *testing.T) {
	// #{ok => 1, ok => 2}
	b := []byte{131, 116, 0, 0, 0, 2,
		119, 2, 'o', 'k', 97, 1,
		119, 2, 'o', 'k', 97, 2,
	}
	_, _, err := Decode(b)
	if err == nil {
		t.Fatal("expected duplicate-key error")
	}
}

func TestDecodeBigInteger(t *testing.T) {
	// a value well beyond int64, built directly via the small-big tag.
	mag := big.NewInt(0)
	mag.SetString("123456789012345678901234567890", 10)
	enc, err := Encode(mag, EncodeOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	term, _, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := term.(*big.Int)
	if !ok {
		t.Fatalf("term = %#v, want *big.Int", term)
	}
	if got.Cmp(mag) != 0 {
		t.Fatalf("got %v, want %v", got, mag)
	}
}

func TestDecodePidRetainsRawBytes(t *testing.T) {
	// S7: receive a Pid, its Raw must equal the bytes it was decoded from.
	pid := Pid{Node: Atom("a@b"), Id: 5, Serial: 1, Creation: 2}
	enc, err := Encode(pid, EncodeOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	term, _, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := term.(Pid)
	if !ok {
		t.Fatalf("term = %#v, want Pid", term)
	}
	if !bytes.Equal(got.Raw, enc[1:]) {
		t.Fatalf("raw=%v, want %v", got.Raw, enc[1:])
	}
}

func TestDecodeCompressedEnvelope(t *testing.T) {
	term := Tuple{Atom("ok"), String(bytes.Repeat([]byte{'x'}, 4096))}
	enc, err := Encode(term, EncodeOptions{Compress: true, CompressionThreshold: 8})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc[1] != ettCompressed {
		t.Fatalf("expected compressed envelope tag, got %d", enc[1])
	}
	got, _, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gotTup, ok := got.(Tuple)
	if !ok || len(gotTup) != 2 || gotTup[0] != Atom("ok") {
		t.Fatalf("got %#v", got)
	}
}

func asDecodeError(err error) (*DecodeError, bool) {
	type causer interface{ Cause() error }
	for err != nil {
		if de, ok := err.(*DecodeError); ok {
			return de, true
		}
		if c, ok := err.(causer); ok {
			err = c.Cause()
			continue
		}
		if u, ok := err.(interface{ Unwrap() error }); ok {
			err = u.Unwrap()
			continue
		}
		break
	}
	return nil, false
}
