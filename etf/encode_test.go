package etf

import (
	"bytes"
	"math/big"
	"testing"
)

// S1 from the spec's concrete-scenario table.
func TestEncodeAtomOk(t *testing.T) {
	got, err := Encode(Atom("ok"), EncodeOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{131, 119, 2, 'o', 'k'}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestEncodeSmallInteger(t *testing.T) {
	got, err := Encode(int64(42), EncodeOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{131, 97, 42}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestEncodeLongAtomUsesWideTag(t *testing.T) {
	a := Atom(bytes.Repeat([]byte{'a'}, 256))
	got, err := Encode(a, EncodeOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got[1] != ettAtomUTF8 {
		t.Fatalf("expected ATOM_UTF8_EXT tag, got %d", got[1])
	}
}

func TestEncodeAtomTooLongFails(t *testing.T) {
	a := Atom(bytes.Repeat([]byte{'a'}, 65536))
	_, err := Encode(a, EncodeOptions{})
	if err == nil {
		t.Fatal("expected AtomTooLong error")
	}
}

func TestEncodeNeverEmitsLegacyAtomTags(t *testing.T) {
	for _, a := range []Atom{"", "x", Atom(bytes.Repeat([]byte{'y'}, 300))} {
		got, err := Encode(a, EncodeOptions{})
		if err != nil {
			t.Fatalf("encode %q: %v", a, err)
		}
		tag := got[1]
		if tag == ettAtom || tag == ettSmallAtom {
			t.Fatalf("encoded %q using legacy tag %d", a, tag)
		}
	}
}

func TestEncodeMapKeyDuplicateRejectedAtConstruction(t *testing.T) {
	m := NewMap()
	if err := m.Put(Atom("a"), int64(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Put(Atom("a"), int64(2)); err == nil {
		t.Fatal("expected MapKeyDuplicate error")
	}
}

func TestEncodeBigIntNoTrailingZeroByte(t *testing.T) {
	// invariant 5 (§8): the little-endian magnitude bytes on the wire must
	// never end in a zero byte. 2^2048 has a 257-byte magnitude, so it
	// exercises LARGE_BIG_EXT, and its most-significant (== last,
	// little-endian) byte is 1.
	huge := new(big.Int).Lsh(big.NewInt(1), 2048)
	enc, err := Encode(huge, EncodeOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc[1] != ettLargeBig {
		t.Fatalf("expected LARGE_BIG_EXT, got tag %d", enc[1])
	}
	n := int(enc[2])<<24 | int(enc[3])<<16 | int(enc[4])<<8 | int(enc[5])
	mag := enc[7 : 7+n]
	if mag[len(mag)-1] == 0 {
		t.Fatalf("magnitude has trailing zero byte: %v", mag)
	}

	term, _, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := term.(*big.Int)
	if !ok || got.Cmp(huge) != 0 {
		t.Fatalf("got %#v, want %v", term, huge)
	}
}

func TestEncodeSmallBigNarrowsToIntegerTag(t *testing.T) {
	v256, _ := new(big.Int).SetString("256", 10)
	got, err := Encode(v256, EncodeOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got[1] != ettInteger {
		t.Fatalf("expected INTEGER_EXT for an in-range *big.Int, got tag %d", got[1])
	}
	term, _, err := Decode(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if term != int64(256) {
		t.Fatalf("got %#v", term)
	}
}

func TestEncodeStringShortcutOptIn(t *testing.T) {
	l := &List{Elements: []Term{int64('h'), int64('i')}}
	got, err := Encode(l, EncodeOptions{EmitStringTagForByteLists: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got[1] != ettString {
		t.Fatalf("expected STRING_EXT, got tag %d", got[1])
	}

	gotDefault, err := Encode(l, EncodeOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if gotDefault[1] != ettList {
		t.Fatalf("expected LIST_EXT by default, got tag %d", gotDefault[1])
	}
}
