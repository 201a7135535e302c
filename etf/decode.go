package etf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// stackFrame mirrors halturin-node's stackElement: decoding List/Tuple/Map
// and the compound Pid/Port/Ref/Fun shapes needs to track a handful of
// partially-built terms at once. Using an explicit linked-list stack (not
// recursion) keeps the decoder a single forward pass over the input with a
// fixed, small amount of per-frame state, and makes it immune to stack
// overflow on deeply nested or adversarial input.
type stackFrame struct {
	parent *stackFrame

	kind     byte
	term     Term
	i        int
	children int

	// scratch holds kind-specific in-progress state: the pending map key,
	// the ref id-word count, the fun's free-var count, etc.
	scratch any

	// rawStart is the offset into `origin` of this frame's tag byte, used
	// to recover the retained byte slice for Pid/Port/Ref (spec §3.3).
	rawStart int
}

// Decode parses a single ETF term from the front of b and returns it along
// with the unconsumed remainder. b must begin with the version magic (131).
func Decode(b []byte) (Term, []byte, error) {
	if len(b) == 0 {
		return nil, nil, errors.WithStack(ErrTruncated)
	}
	if b[0] != etVersion {
		return nil, nil, InvalidTag(b[0])
	}
	body := b[1:]
	term, rest, err := decodeBody(body)
	return term, rest, err
}

// decodeBody runs the single-pass stack machine over body, which must not
// include the version magic.
func decodeBody(body []byte) (Term, []byte, error) {
	origin := body
	packet := body
	var term Term
	var stack *stackFrame

	for {
		if len(packet) == 0 {
			return nil, nil, errors.WithStack(ErrTruncated)
		}

		tagStart := len(origin) - len(packet)
		t := packet[0]
		packet = packet[1:]
		var child *stackFrame

		switch t {
		case ettCompressed:
			if stack != nil {
				return nil, nil, InvalidTag(t)
			}
			if len(packet) < 4 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			n := binary.BigEndian.Uint32(packet[:4])
			packet = packet[4:]
			br := bytes.NewReader(packet)
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, nil, errors.Wrap(err, "etf: compressed envelope")
			}
			out := make([]byte, n)
			if _, err := io.ReadFull(zr, out); err != nil {
				return nil, nil, errors.Wrap(err, "etf: compressed envelope")
			}
			consumed := len(packet) - br.Len()
			packet = packet[consumed:]
			inner, rest, err := decodeBody(out)
			if err != nil {
				return nil, nil, err
			}
			if len(rest) != 0 {
				return nil, nil, errors.WithStack(&DecodeError{Kind: "Truncated"})
			}
			return inner, packet, nil

		case ettAtomUTF8, ettAtom:
			if len(packet) < 2 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			n := binary.BigEndian.Uint16(packet)
			if len(packet) < int(n)+2 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			raw := packet[2 : int(n)+2]
			// ettAtom (100) is the pre-UTF8 legacy tag and carries Latin-1
			// bytes, not UTF-8 — only the UTF8 tag is validated as such.
			if t == ettAtomUTF8 && !utf8.Valid(raw) {
				return nil, nil, errors.WithStack(ErrInvalidUtf8)
			}
			term = Atom(raw)
			packet = packet[int(n)+2:]

		case ettSmallAtomUTF8, ettSmallAtom:
			if len(packet) == 0 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			n := int(packet[0])
			if len(packet) < n+1 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			raw := packet[1 : n+1]
			if t == ettSmallAtomUTF8 && !utf8.Valid(raw) {
				return nil, nil, errors.WithStack(ErrInvalidUtf8)
			}
			term = Atom(raw)
			packet = packet[n+1:]

		case ettString:
			if len(packet) < 2 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			n := binary.BigEndian.Uint16(packet)
			if len(packet) < int(n)+2 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			buf := make([]byte, n)
			copy(buf, packet[2:int(n)+2])
			term = String(buf)
			packet = packet[int(n)+2:]

		case ettNewFloat:
			if len(packet) < 8 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			bits := binary.BigEndian.Uint64(packet[:8])
			term = math.Float64frombits(bits)
			packet = packet[8:]

		case ettFloat:
			if len(packet) < 31 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			var f float64
			if _, err := fmt.Sscanf(string(packet[:31]), "%f", &f); err != nil {
				return nil, nil, errors.Wrap(err, "etf: legacy float")
			}
			term = f
			packet = packet[31:]

		case ettSmallInteger:
			if len(packet) == 0 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			term = int64(packet[0])
			packet = packet[1:]

		case ettInteger:
			if len(packet) < 4 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			term = int64(int32(binary.BigEndian.Uint32(packet[:4])))
			packet = packet[4:]

		case ettSmallBig:
			if len(packet) < 2 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			n := int(packet[0])
			negative := packet[1] == 1
			if len(packet) < n+2 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			mag := packet[2 : n+2]
			if n > 0 && mag[n-1] == 0 {
				return nil, nil, errors.WithStack(ErrBigIntNonCanonical)
			}
			v := bigFromLittleEndian(mag, negative)
			if iv, ok := bigIntFits(v); ok {
				term = iv
			} else {
				term = v
			}
			packet = packet[n+2:]

		case ettLargeBig:
			if len(packet) < 5 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			n := int(binary.BigEndian.Uint32(packet[:4]))
			negative := packet[4] == 1
			if len(packet) < n+5 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			mag := packet[5 : n+5]
			if n > 0 && mag[n-1] == 0 {
				return nil, nil, errors.WithStack(ErrBigIntNonCanonical)
			}
			v := bigFromLittleEndian(mag, negative)
			if iv, ok := bigIntFits(v); ok {
				term = iv
			} else {
				term = v
			}
			packet = packet[n+5:]

		case ettList:
			if len(packet) < 4 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			n := binary.BigEndian.Uint32(packet[:4])
			packet = packet[4:]
			l := &List{Elements: make([]Term, n)}
			term = l
			child = &stackFrame{parent: stack, kind: ettList, term: l, children: int(n) + 1}

		case ettSmallTuple:
			if len(packet) == 0 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			n := int(packet[0])
			packet = packet[1:]
			tup := make(Tuple, n)
			term = tup
			if n > 0 {
				child = &stackFrame{parent: stack, kind: ettSmallTuple, term: tup, children: n}
			}

		case ettLargeTuple:
			if len(packet) < 4 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			n := int(binary.BigEndian.Uint32(packet[:4]))
			packet = packet[4:]
			tup := make(Tuple, n)
			term = tup
			if n > 0 {
				child = &stackFrame{parent: stack, kind: ettLargeTuple, term: tup, children: n}
			}

		case ettMap:
			if len(packet) < 4 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			n := int(binary.BigEndian.Uint32(packet[:4]))
			packet = packet[4:]
			m := NewMap()
			term = m
			if n > 0 {
				child = &stackFrame{parent: stack, kind: ettMap, term: m, children: n * 2}
			}

		case ettBinary:
			if len(packet) < 4 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			n := binary.BigEndian.Uint32(packet[:4])
			if len(packet) < int(n)+4 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			buf := make([]byte, n)
			copy(buf, packet[4:int(n)+4])
			term = buf
			packet = packet[int(n)+4:]

		case ettBitBinary:
			if len(packet) < 5 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			n := binary.BigEndian.Uint32(packet[:4])
			bits := packet[4]
			if n > 0 && (bits == 0 || bits > 7) {
				return nil, nil, errors.WithStack(ErrBitBinaryInvalidBitCount)
			}
			if len(packet) < int(n)+5 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			buf := make([]byte, n)
			copy(buf, packet[5:int(n)+5])
			if n == 0 {
				term = buf
			} else {
				term = BitBinary{Data: buf, Bits: bits}
			}
			packet = packet[int(n)+5:]

		case ettNil:
			term = Nil

		case ettPid, ettNewPid:
			child = &stackFrame{parent: stack, kind: t, rawStart: tagStart}

		case ettPort, ettNewPort:
			child = &stackFrame{parent: stack, kind: t, rawStart: tagStart}

		case ettRef, ettNewRef, ettNewerRef:
			var l uint16
			if t == ettRef {
				l = 1
			} else {
				if len(packet) < 2 {
					return nil, nil, errors.WithStack(ErrTruncated)
				}
				l = binary.BigEndian.Uint16(packet[:2])
				packet = packet[2:]
			}
			child = &stackFrame{parent: stack, kind: t, scratch: l, rawStart: tagStart}

		case ettExport:
			child = &stackFrame{parent: stack, kind: ettExport, children: 3}

		case ettNewFun:
			if len(packet) < 29 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			var unique [16]byte
			copy(unique[:], packet[5:21])
			free := binary.BigEndian.Uint32(packet[25:29])
			fun := Function{
				Arity:  packet[4],
				Unique: unique,
				Index:  binary.BigEndian.Uint32(packet[21:25]),
			}
			packet = packet[29:]
			child = &stackFrame{parent: stack, kind: ettNewFun, term: fun, children: 4 + int(free), scratch: int(free)}

		case ettFun:
			if len(packet) < 4 {
				return nil, nil, errors.WithStack(ErrTruncated)
			}
			free := binary.BigEndian.Uint32(packet[:4])
			packet = packet[4:]
			child = &stackFrame{parent: stack, kind: ettFun, term: Function{}, children: 4 + int(free), scratch: int(free)}

		default:
			return nil, nil, InvalidTag(t)
		}

		if stack == nil && child == nil {
			break
		}
		if child != nil {
			stack = child
			continue
		}

	processStack:
		if err := applyToStack(stack, term, origin, &packet); err != nil {
			return nil, nil, err
		}

		if stack.i < stack.children {
			continue
		}

		term = stack.term
		if stack.parent == nil {
			break
		}
		stack, stack.parent = stack.parent, nil
		goto processStack
	}

	return term, packet, nil
}

// applyToStack places the just-decoded `term` into the frame on top of the
// stack, consuming any additional fixed-width fields a compound shape
// (Pid/Port/Ref/Fun) needs directly from *packetPtr. origin is the slice
// decodeBody started from, used to recover retained raw bytes.
func applyToStack(stack *stackFrame, term Term, origin []byte, packetPtr *[]byte) error {
	packet := *packetPtr
	defer func() { *packetPtr = packet }()

	rawSince := func() []byte {
		end := len(origin) - len(packet)
		return origin[stack.rawStart:end]
	}

	switch stack.kind {
	case ettList:
		l := stack.term.(*List)
		if stack.i < len(l.Elements) {
			l.Elements[stack.i] = term
		} else {
			if term == Term(Nil) {
				l.Tail = nil
			} else {
				l.Tail = term
			}
		}
		stack.i++

	case ettSmallTuple, ettLargeTuple:
		stack.term.(Tuple)[stack.i] = term
		stack.i++

	case ettMap:
		m := stack.term.(*Map)
		if stack.i&1 == 1 {
			key := stack.scratch.(Term)
			if err := m.Put(key, term); err != nil {
				return errors.WithStack(ErrDuplicateMapKey)
			}
			stack.scratch = nil
		} else {
			stack.scratch = term
		}
		stack.i++

	case ettPid, ettNewPid:
		name, ok := term.(Atom)
		if !ok {
			return InvalidTag(stack.kind)
		}
		need := 9
		if stack.kind == ettNewPid {
			need = 12
		}
		if len(packet) < need {
			return errors.WithStack(ErrTruncated)
		}
		id := binary.BigEndian.Uint32(packet[:4])
		serial := binary.BigEndian.Uint32(packet[4:8])
		var creation uint32
		if stack.kind == ettNewPid {
			creation = binary.BigEndian.Uint32(packet[8:12])
			packet = packet[12:]
		} else {
			creation = uint32(packet[8] & 3)
			packet = packet[9:]
		}
		stack.term = Pid{Node: name, Id: id, Serial: serial, Creation: creation, Raw: cloneBytes(rawSince())}
		stack.i++

	case ettPort, ettNewPort:
		name, ok := term.(Atom)
		if !ok {
			return InvalidTag(stack.kind)
		}
		need := 5
		if stack.kind == ettNewPort {
			need = 8
		}
		if len(packet) < need {
			return errors.WithStack(ErrTruncated)
		}
		id := uint64(binary.BigEndian.Uint32(packet[:4]))
		var creation uint32
		if stack.kind == ettNewPort {
			creation = binary.BigEndian.Uint32(packet[4:8])
			packet = packet[8:]
		} else {
			creation = uint32(packet[4])
			packet = packet[5:]
		}
		stack.term = Port{Node: name, Id: id, Creation: creation, Raw: cloneBytes(rawSince())}
		stack.i++

	case ettRef, ettNewRef, ettNewerRef:
		name, ok := term.(Atom)
		if !ok {
			return InvalidTag(stack.kind)
		}
		l := int(stack.scratch.(uint16))
		var creation uint32
		ids := make([]uint32, l)
		switch stack.kind {
		case ettRef:
			if len(packet) < 5 {
				return errors.WithStack(ErrTruncated)
			}
			ids[0] = binary.BigEndian.Uint32(packet[:4])
			creation = uint32(packet[4])
			packet = packet[5:]
		case ettNewRef:
			if len(packet) < 1+l*4 {
				return errors.WithStack(ErrTruncated)
			}
			creation = uint32(packet[0])
			packet = packet[1:]
			for i := 0; i < l; i++ {
				ids[i] = binary.BigEndian.Uint32(packet[:4])
				packet = packet[4:]
			}
		case ettNewerRef:
			if len(packet) < 4+l*4 {
				return errors.WithStack(ErrTruncated)
			}
			creation = binary.BigEndian.Uint32(packet[:4])
			packet = packet[4:]
			for i := 0; i < l; i++ {
				ids[i] = binary.BigEndian.Uint32(packet[:4])
				packet = packet[4:]
			}
		}
		stack.term = Ref{Node: name, Id: ids, Creation: creation, Raw: cloneBytes(rawSince())}
		stack.i++

	case ettExport:
		switch stack.i {
		case 0:
			stack.scratch = term
		case 1:
			mod := stack.scratch.(Atom)
			stack.scratch = [2]Atom{mod, term.(Atom)}
		case 2:
			pair := stack.scratch.([2]Atom)
			arity, ok := term.(int64)
			if !ok {
				return InvalidTag(stack.kind)
			}
			stack.term = Export{Module: pair[0], Function: pair[1], Arity: byte(arity)}
		}
		stack.i++

	case ettNewFun, ettFun:
		fun := stack.term.(Function)
		isFun := stack.kind == ettFun
		switch stack.i {
		case 0:
			if isFun {
				fun.Pid = term.(Pid)
			} else {
				fun.Module = term.(Atom)
			}
		case 1:
			if isFun {
				fun.Module = term.(Atom)
			} else {
				fun.OldIndex = uint32(term.(int64))
			}
		case 2:
			if isFun {
				fun.OldIndex = uint32(term.(int64))
			} else {
				fun.OldUnique = uint32(term.(int64))
			}
		case 3:
			if isFun {
				fun.OldUnique = uint32(term.(int64))
			} else {
				fun.Pid = term.(Pid)
			}
		default:
			if fun.FreeVars == nil {
				fun.FreeVars = make([]Term, stack.scratch.(int))
			}
			fun.FreeVars[stack.i-4] = term
		}
		stack.term = fun
		stack.i++

	default:
		return errors.Errorf("etf: internal decoder error: unknown stack frame kind %d", stack.kind)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func bigFromLittleEndian(mag []byte, negative bool) *big.Int {
	be := make([]byte, len(mag))
	for i, b := range mag {
		be[len(mag)-1-i] = b
	}
	v := new(big.Int).SetBytes(be)
	if negative {
		v.Neg(v)
	}
	return v
}
