package etf

import (
	"fmt"
	"math/big"
)

// MapEntry is a single key/value pair of a Map, kept in insertion order.
type MapEntry struct {
	Key   Term
	Value Term
}

// Map is an ordered sequence of key/value term pairs. Unlike a bare Go map,
// it preserves insertion order (required for idempotent re-encoding, spec
// §4.3) and rejects structurally duplicate keys at construction time
// (spec invariant 4, §8).
type Map struct {
	entries []MapEntry
	index   map[string]int // structural hash -> index into entries
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{index: make(map[string]int)}
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.entries) }

// Entries returns the entries in insertion order. The returned slice must
// not be mutated by the caller.
func (m *Map) Entries() []MapEntry { return m.entries }

// Get returns the value for key and whether it was present.
func (m *Map) Get(key Term) (Term, bool) {
	if i, ok := m.index[structuralKey(key)]; ok {
		return m.entries[i].Value, true
	}
	return nil, false
}

// Put inserts key/value, or returns MapKeyDuplicate if a structurally equal
// key is already present (Map is append-only/immutable-by-convention: use
// Put only while building a fresh Map before handing it to callers).
func (m *Map) Put(key, value Term) error {
	k := structuralKey(key)
	if _, ok := m.index[k]; ok {
		return MapKeyDuplicate()
	}
	if m.index == nil {
		m.index = make(map[string]int)
	}
	m.index[k] = len(m.entries)
	m.entries = append(m.entries, MapEntry{Key: key, Value: value})
	return nil
}

// structuralKey produces a string that is equal for two terms iff they are
// structurally equal, which is all Map needs for duplicate detection -- it
// never needs to recover the original key from the string.
func structuralKey(t Term) string {
	switch v := t.(type) {
	case Atom:
		return "A" + string(v)
	case String:
		return "S" + string(v)
	case []byte:
		return "B" + string(v)
	case int64:
		return fmt.Sprintf("I%d", v)
	case *big.Int:
		return "G" + v.String()
	case float64:
		return fmt.Sprintf("F%v", v)
	case Pid:
		return fmt.Sprintf("P%s/%d/%d/%d", v.Node, v.Id, v.Serial, v.Creation)
	case Port:
		return fmt.Sprintf("O%s/%d/%d", v.Node, v.Id, v.Creation)
	case Ref:
		return fmt.Sprintf("R%s/%v/%d", v.Node, v.Id, v.Creation)
	case Tuple:
		s := "T("
		for _, e := range v {
			s += structuralKey(e) + ","
		}
		return s + ")"
	case *List:
		s := "L["
		for _, e := range v.Elements {
			s += structuralKey(e) + ","
		}
		return s + "]" + structuralKey(v.Tail)
	case *Map:
		s := "M{"
		for _, e := range v.entries {
			s += structuralKey(e.Key) + "=" + structuralKey(e.Value) + ","
		}
		return s + "}"
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}
