// Package etf implements the Erlang External Term Format: a bidirectional,
// allocation-aware encoder/decoder for the binary term representation used
// by every BEAM-ecosystem node.
package etf

import "math/big"

// Term is any decoded or decodable ETF value. The set of concrete types a
// Term may hold is closed: Atom, String, Pid, Port, Ref, Tuple, *Map, *List,
// *big.Int, int64, float64, []byte, BitBinary, Function, Export. There is no
// interface to implement; type-switch on the concrete type.
type Term any

// Atom is an ETF atom: a UTF-8 string of at most 255 codepoints.
type Atom string

// String is the "list of small integers" shortcut (tag STRING_EXT). It is a
// distinct type from Binary so a decoder never has to guess whether a byte
// slice came off the wire as a binary or as this shortcut.
type String []byte

// Nil is the canonical empty proper list.
var Nil = &List{}

// Pid identifies an Erlang process. Node, Id, Serial and Creation are the
// semantic fields; Raw, when non-nil, is the exact tag-prefixed byte slice
// this Pid was decoded from and must be emitted verbatim on re-encode (see
// the package-level identity retention rule).
type Pid struct {
	Node     Atom
	Id       uint32
	Serial   uint32
	Creation uint32
	Raw      []byte
}

// Port identifies an Erlang port, with the same retention contract as Pid.
type Port struct {
	Node     Atom
	Id       uint64
	Creation uint32
	Raw      []byte
}

// Ref identifies an Erlang reference, with the same retention contract as
// Pid. Id holds 1..5 32-bit words, little-endian-first-word order as OTP
// defines it.
type Ref struct {
	Node     Atom
	Id       []uint32
	Creation uint32
	Raw      []byte
}

// Tuple is an ordered, fixed-arity sequence of terms.
type Tuple []Term

func (t Tuple) Element(i int) Term { return t[i-1] }

// List is an ordered sequence of elements with an explicit tail. A proper
// list has Tail == nil (equivalently, Tail == Nil); anything else is an
// improper list.
type List struct {
	Elements []Term
	Tail     Term
}

// Proper reports whether l is a proper (nil- or Nil-tailed) list.
func (l *List) Proper() bool {
	return l.Tail == nil || l.Tail == Term(Nil)
}

// BitBinary is a Binary plus a trailing-bit count in 1..7 describing how
// many bits of the last byte are significant. Those bits occupy the high
// end of the byte, left-aligned, exactly as they appear on the wire. A
// bit count of 0 is represented as a plain []byte (Binary), never as a
// BitBinary.
type BitBinary struct {
	Data []byte
	Bits uint8
}

// Function is the internal-fun closure representation (NEW_FUN_EXT / the
// legacy FUN_EXT). It is kept intentionally opaque beyond OTP's documented
// fields; no attempt is made to interpret FreeVars beyond decoding them as
// terms.
type Function struct {
	Arity     byte
	Unique    [16]byte
	Index     uint32
	OldIndex  uint32
	OldUnique uint32
	Module    Atom
	Pid       Pid
	FreeVars  []Term
}

// Export is the external-fun closure representation (EXPORT_EXT).
type Export struct {
	Module   Atom
	Function Atom
	Arity    byte
}

// bigIntFits reports whether v fits in an int64, used to decide whether a
// decoded SMALL_BIG_EXT/LARGE_BIG_EXT should surface as int64 or *big.Int.
func bigIntFits(v *big.Int) (int64, bool) {
	if !v.IsInt64() {
		return 0, false
	}
	return v.Int64(), true
}
