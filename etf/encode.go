package etf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/pkg/errors"
)

// EncodeOptions controls optional encoder behavior (spec §4.3, §6).
type EncodeOptions struct {
	// Compress wraps the encoded body in the zlib compressed envelope when
	// its length exceeds CompressionThreshold.
	Compress bool
	// CompressionThreshold is the uncompressed-body length above which
	// Compress takes effect. Zero means "always compress when Compress is
	// set".
	CompressionThreshold uint32
	// EmitStringTagForByteLists, when true, lets Encode choose STRING_EXT
	// for a List of 0..65535 SmallInteger-range (0..255) elements instead
	// of LIST_EXT. Default false: this is only a byte-level optimization a
	// caller opts into, since the receiver sees a structurally different
	// (though semantically equivalent) term (spec §4.3).
	EmitStringTagForByteLists bool
}

// Encode serializes term to ETF wire bytes, prefixed with the version magic.
func Encode(term Term, opts EncodeOptions) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTerm(&buf, term, opts); err != nil {
		return nil, err
	}

	if opts.Compress && uint32(buf.Len()) > opts.CompressionThreshold {
		var zbuf bytes.Buffer
		zw := zlib.NewWriter(&zbuf)
		if _, err := zw.Write(buf.Bytes()); err != nil {
			return nil, errors.Wrap(err, "etf: compress")
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, "etf: compress")
		}
		out := make([]byte, 0, 6+zbuf.Len())
		out = append(out, etVersion, ettCompressed)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
		out = append(out, lenBuf[:]...)
		out = append(out, zbuf.Bytes()...)
		return out, nil
	}

	out := make([]byte, 0, 1+buf.Len())
	out = append(out, etVersion)
	out = append(out, buf.Bytes()...)
	return out, nil
}

func encodeTerm(buf *bytes.Buffer, term Term, opts EncodeOptions) error {
	switch v := term.(type) {
	case nil:
		buf.WriteByte(ettNil)
		return nil
	case Atom:
		return encodeAtom(buf, v)
	case String:
		return encodeString(buf, v)
	case int64:
		return encodeInt(buf, v)
	case int:
		return encodeInt(buf, int64(v))
	case *big.Int:
		if iv, ok := bigIntFits(v); ok {
			return encodeInt(buf, iv)
		}
		return encodeBigInt(buf, v)
	case float64:
		buf.WriteByte(ettNewFloat)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
		buf.Write(b[:])
		return nil
	case []byte:
		return encodeBinary(buf, v)
	case BitBinary:
		return encodeBitBinary(buf, v)
	case Tuple:
		return encodeTuple(buf, v, opts)
	case *List:
		return encodeList(buf, v, opts)
	case *Map:
		return encodeMap(buf, v, opts)
	case Pid:
		return encodePid(buf, v)
	case Port:
		return encodePort(buf, v)
	case Ref:
		return encodeRef(buf, v)
	case Export:
		return encodeExport(buf, v, opts)
	case Function:
		return encodeFunction(buf, v, opts)
	default:
		return errors.WithStack(&EncodeError{Kind: "UnsupportedType", Info: fmt.Sprintf("%T", term)})
	}
}

func encodeAtom(buf *bytes.Buffer, a Atom) error {
	n := len(a)
	if n > 255 {
		if n > 65535 {
			return AtomTooLong(n)
		}
		buf.WriteByte(ettAtomUTF8)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
		buf.WriteString(string(a))
		return nil
	}
	buf.WriteByte(ettSmallAtomUTF8)
	buf.WriteByte(byte(n))
	buf.WriteString(string(a))
	return nil
}

func encodeString(buf *bytes.Buffer, s String) error {
	if len(s) > 65535 {
		return errors.WithStack(&EncodeError{Kind: "StringTooLong"})
	}
	buf.WriteByte(ettString)
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	buf.Write(b[:])
	buf.Write(s)
	return nil
}

func encodeInt(buf *bytes.Buffer, x int64) error {
	switch {
	case x >= 0 && x <= 255:
		buf.WriteByte(ettSmallInteger)
		buf.WriteByte(byte(x))
		return nil
	case x >= math.MinInt32 && x <= math.MaxInt32:
		buf.WriteByte(ettInteger)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(int32(x)))
		buf.Write(b[:])
		return nil
	default:
		return encodeBigInt(buf, big.NewInt(x))
	}
}

func encodeBigInt(buf *bytes.Buffer, v *big.Int) error {
	sign := byte(0)
	mag := v
	if v.Sign() < 0 {
		sign = 1
		mag = new(big.Int).Neg(v)
	}
	be := mag.Bytes() // big-endian, no leading zero byte by definition of big.Int.Bytes
	le := make([]byte, len(be))
	for i, b := range be {
		le[len(be)-1-i] = b
	}

	n := len(le)
	switch {
	case n < 256:
		buf.WriteByte(ettSmallBig)
		buf.WriteByte(byte(n))
		buf.WriteByte(sign)
	case uint64(n) <= math.MaxUint32:
		buf.WriteByte(ettLargeBig)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
		buf.WriteByte(sign)
	default:
		return errors.WithStack(&EncodeError{Kind: "BigIntTooLarge"})
	}
	buf.Write(le)
	return nil
}

func encodeBinary(buf *bytes.Buffer, b []byte) error {
	buf.WriteByte(ettBinary)
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(b)))
	buf.Write(lb[:])
	buf.Write(b)
	return nil
}

func encodeBitBinary(buf *bytes.Buffer, bb BitBinary) error {
	if bb.Bits == 0 || bb.Bits > 7 {
		return errors.WithStack(&EncodeError{Kind: "BitBinaryInvalidBitCount"})
	}
	buf.WriteByte(ettBitBinary)
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(bb.Data)))
	buf.Write(lb[:])
	buf.WriteByte(bb.Bits)
	// Data is already left-aligned (the meaningful bits occupy the high
	// end of the final byte), matching what decode stores verbatim off
	// the wire — write it as-is rather than shifting it again.
	if len(bb.Data) > 0 {
		buf.Write(bb.Data)
	}
	return nil
}

func encodeTuple(buf *bytes.Buffer, t Tuple, opts EncodeOptions) error {
	n := len(t)
	if n <= 255 {
		buf.WriteByte(ettSmallTuple)
		buf.WriteByte(byte(n))
	} else if uint64(n) <= math.MaxUint32 {
		buf.WriteByte(ettLargeTuple)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	} else {
		return TupleArityOverflow(n)
	}
	for _, el := range t {
		if err := encodeTerm(buf, el, opts); err != nil {
			return err
		}
	}
	return nil
}

func encodeList(buf *bytes.Buffer, l *List, opts EncodeOptions) error {
	if len(l.Elements) == 0 && l.Proper() {
		buf.WriteByte(ettNil)
		return nil
	}

	if opts.EmitStringTagForByteLists && l.Proper() && len(l.Elements) <= 65535 && allByteRange(l.Elements) {
		return encodeString(buf, stringFromElements(l.Elements))
	}

	buf.WriteByte(ettList)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(len(l.Elements)))
	buf.Write(b[:])
	for _, el := range l.Elements {
		if err := encodeTerm(buf, el, opts); err != nil {
			return err
		}
	}
	tail := l.Tail
	if tail == nil {
		tail = Term(Nil)
	}
	return encodeTerm(buf, tail, opts)
}

func allByteRange(elements []Term) bool {
	for _, e := range elements {
		v, ok := e.(int64)
		if !ok || v < 0 || v > 255 {
			return false
		}
	}
	return true
}

func stringFromElements(elements []Term) String {
	out := make(String, len(elements))
	for i, e := range elements {
		out[i] = byte(e.(int64))
	}
	return out
}

func encodeMap(buf *bytes.Buffer, m *Map, opts EncodeOptions) error {
	buf.WriteByte(ettMap)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(m.Len()))
	buf.Write(b[:])
	for _, e := range m.Entries() {
		if err := encodeTerm(buf, e.Key, opts); err != nil {
			return err
		}
		if err := encodeTerm(buf, e.Value, opts); err != nil {
			return err
		}
	}
	return nil
}

func encodePid(buf *bytes.Buffer, p Pid) error {
	if p.Raw != nil {
		buf.Write(p.Raw)
		return nil
	}
	buf.WriteByte(ettNewPid)
	if err := encodeAtom(buf, p.Node); err != nil {
		return err
	}
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], p.Id)
	binary.BigEndian.PutUint32(b[4:8], p.Serial)
	binary.BigEndian.PutUint32(b[8:12], p.Creation)
	buf.Write(b[:])
	return nil
}

func encodePort(buf *bytes.Buffer, p Port) error {
	if p.Raw != nil {
		buf.Write(p.Raw)
		return nil
	}
	buf.WriteByte(ettNewPort)
	if err := encodeAtom(buf, p.Node); err != nil {
		return err
	}
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(p.Id))
	binary.BigEndian.PutUint32(b[4:8], p.Creation)
	buf.Write(b[:])
	return nil
}

func encodeRef(buf *bytes.Buffer, r Ref) error {
	if r.Raw != nil {
		buf.Write(r.Raw)
		return nil
	}
	buf.WriteByte(ettNewerRef)
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(len(r.Id)))
	buf.Write(lb[:])
	if err := encodeAtom(buf, r.Node); err != nil {
		return err
	}
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], r.Creation)
	buf.Write(cb[:])
	for _, id := range r.Id {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], id)
		buf.Write(b[:])
	}
	return nil
}

func encodeExport(buf *bytes.Buffer, e Export, opts EncodeOptions) error {
	buf.WriteByte(ettExport)
	if err := encodeAtom(buf, e.Module); err != nil {
		return err
	}
	if err := encodeAtom(buf, e.Function); err != nil {
		return err
	}
	return encodeInt(buf, int64(e.Arity))
}

func encodeFunction(buf *bytes.Buffer, f Function, opts EncodeOptions) error {
	var inner bytes.Buffer
	inner.WriteByte(f.Arity)
	inner.Write(f.Unique[:])
	var ib [4]byte
	binary.BigEndian.PutUint32(ib[:], f.Index)
	inner.Write(ib[:])
	binary.BigEndian.PutUint32(ib[:], uint32(len(f.FreeVars)))
	inner.Write(ib[:])
	if err := encodeAtom(&inner, f.Module); err != nil {
		return err
	}
	if err := encodeInt(&inner, int64(f.OldIndex)); err != nil {
		return err
	}
	if err := encodeInt(&inner, int64(f.OldUnique)); err != nil {
		return err
	}
	if err := encodePid(&inner, f.Pid); err != nil {
		return err
	}
	for _, fv := range f.FreeVars {
		if err := encodeTerm(&inner, fv, opts); err != nil {
			return err
		}
	}

	buf.WriteByte(ettNewFun)
	var sz [4]byte
	binary.BigEndian.PutUint32(sz[:], uint32(inner.Len()+4))
	buf.Write(sz[:])
	buf.Write(inner.Bytes())
	return nil
}
