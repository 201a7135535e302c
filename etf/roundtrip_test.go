package etf

import (
	"bytes"
	"math/big"
	"testing"
)

// termsEqual is a structural comparison that treats two *Map/List pointers
// with the same content as equal (Go's == would compare pointers).
func termsEqual(a, b Term) bool {
	switch av := a.(type) {
	case *List:
		bv, ok := b.(*List)
		if !ok || len(av.Elements) != len(bv.Elements) {
			return false
		}
		for i := range av.Elements {
			if !termsEqual(av.Elements[i], bv.Elements[i]) {
				return false
			}
		}
		aProper, bProper := av.Proper(), bv.Proper()
		if aProper != bProper {
			return false
		}
		if aProper {
			return true
		}
		return termsEqual(av.Tail, bv.Tail)
	case Tuple:
		bv, ok := b.(Tuple)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !termsEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Map:
		bv, ok := b.(*Map)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		for i, e := range av.Entries() {
			oe := bv.Entries()[i]
			if !termsEqual(e.Key, oe.Key) || !termsEqual(e.Value, oe.Value) {
				return false
			}
		}
		return true
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case String:
		bv, ok := b.(String)
		return ok && bytes.Equal([]byte(av), []byte(bv))
	case BitBinary:
		bv, ok := b.(BitBinary)
		return ok && av.Bits == bv.Bits && bytes.Equal(av.Data, bv.Data)
	case *big.Int:
		bv, ok := b.(*big.Int)
		return ok && av.Cmp(bv) == 0
	case Pid:
		bv, ok := b.(Pid)
		return ok && av.Node == bv.Node && av.Id == bv.Id && av.Serial == bv.Serial && av.Creation == bv.Creation
	case Port:
		bv, ok := b.(Port)
		return ok && av.Node == bv.Node && av.Id == bv.Id && av.Creation == bv.Creation
	case Ref:
		bv, ok := b.(Ref)
		if !ok || av.Node != bv.Node || av.Creation != bv.Creation || len(av.Id) != len(bv.Id) {
			return false
		}
		for i := range av.Id {
			if av.Id[i] != bv.Id[i] {
				return false
			}
		}
		return true
	default:
		// a and b never hold a type containing a slice field here
		// (Pid/Port/Ref/[]byte/*big.Int/*List/*Map/Tuple are all
		// handled above), so interface equality is safe.
		return a == b
	}
}

// invariant 1 (§8): round-trip for terms without retained bytes.
func TestRoundTripInvariant(t *testing.T) {
	cases := []Term{
		int64(0),
		int64(255),
		int64(256),
		int64(-1),
		int64(1 << 40),
		3.14159,
		Atom("ok"),
		Atom(""),
		String("hello"),
		[]byte{1, 2, 3},
		BitBinary{Data: []byte{0xF0}, Bits: 4},
		Tuple{Atom("ok"), int64(1)},
		Tuple{},
		&List{Elements: []Term{int64(1), int64(2), int64(3)}},
		Nil,
		&List{Elements: []Term{Atom("a")}, Tail: Atom("improper")},
		mustMap(t, Atom("a"), int64(1), Atom("b"), int64(2)),
		Pid{Node: Atom("a@b"), Id: 1, Serial: 2, Creation: 3},
		Port{Node: Atom("a@b"), Id: 7, Creation: 2},
		Ref{Node: Atom("a@b"), Id: []uint32{1, 2, 3}, Creation: 4},
	}

	for _, term := range cases {
		enc, err := Encode(term, EncodeOptions{})
		if err != nil {
			t.Fatalf("encode(%#v): %v", term, err)
		}
		got, rest, err := Decode(enc)
		if err != nil {
			t.Fatalf("decode(%#v): %v", term, err)
		}
		if len(rest) != 0 {
			t.Fatalf("decode(%#v): rest=%v", term, rest)
		}
		if !termsEqual(got, term) {
			t.Fatalf("round-trip mismatch: got %#v, want %#v", got, term)
		}
	}
}

// invariant 2 (§8): encode(decode(b)) == b for encoder-produced bytes.
func TestIdempotentReencode(t *testing.T) {
	terms := []Term{
		Tuple{Atom("ok"), &List{Elements: []Term{int64(1), int64(2)}}},
		mustMap(t, Atom("x"), String("y")),
		Pid{Node: Atom("n@h"), Id: 9, Serial: 1, Creation: 1},
	}
	for _, term := range terms {
		b1, err := Encode(term, EncodeOptions{})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, rest, err := Decode(b1)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(rest) != 0 {
			t.Fatalf("rest=%v", rest)
		}
		b2, err := Encode(decoded, EncodeOptions{})
		if err != nil {
			t.Fatalf("re-encode: %v", err)
		}
		if !bytes.Equal(b1, b2) {
			t.Fatalf("not idempotent: %v != %v", b1, b2)
		}
	}
}

// invariant 6 (§8): decode(compress(encode(t))) == t.
func TestCompressionTransparency(t *testing.T) {
	term := &List{Elements: []Term{String(bytes.Repeat([]byte{'z'}, 2000)), Atom("tail")}}
	enc, err := Encode(term, EncodeOptions{Compress: true, CompressionThreshold: 0})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, _, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !termsEqual(got, term) {
		t.Fatalf("mismatch after compression round trip")
	}
}

// invariant 4 (§8): constructing a Map with two structurally equal keys
// fails. (Decoding such a map is covered by TestDecodeDuplicateMapKey.)
func TestMapUniquenessInvariant(t *testing.T) {
	m := NewMap()
	if err := m.Put(Atom("k"), int64(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Put(Atom("k"), int64(2)); err == nil {
		t.Fatal("expected duplicate key to be rejected")
	}
	if m.Len() != 1 {
		t.Fatalf("len = %d, want 1", m.Len())
	}
}

func mustMap(t *testing.T, kv ...Term) *Map {
	t.Helper()
	m := NewMap()
	for i := 0; i < len(kv); i += 2 {
		if err := m.Put(kv[i], kv[i+1]); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	return m
}
