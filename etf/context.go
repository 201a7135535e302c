package etf

import "sync"

// IdentityContext is the per-session carrier described in spec §4.1/C8: the
// local node's atom and its creation value (the one the caller supplied for
// the handshake). It keeps no lookup of received Pid/Port/Ref bytes: the
// original bytes of a decoded Pid, Port or Ref travel on that term's own Raw
// field, and Encode emits them from there.
//
// It also owns the atom cache used by the distribution layer's atom-cache
// feature when negotiated (spec §9): a plain append-only table with a
// small hash index, not a global mutable pool, per the design note.
type IdentityContext struct {
	mu sync.Mutex

	localNode Atom
	creation  uint32
	nextSerial uint32

	atoms    []Atom
	atomIdx  map[Atom]int
}

// NewIdentityContext constructs a context for a session whose local node
// name and creation value (the caller-supplied creation sent in the
// handshake) are as given.
func NewIdentityContext(localNode Atom, creation uint32) *IdentityContext {
	return &IdentityContext{
		localNode: localNode,
		creation:  creation,
		atomIdx:   make(map[Atom]int),
	}
}

// LocalNode returns the local node atom.
func (c *IdentityContext) LocalNode() Atom {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localNode
}

// Creation returns the session's creation value.
func (c *IdentityContext) Creation() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creation
}

// FreshPid allocates a locally originated Pid using the session's node atom
// and creation value. serial is caller-supplied (typically a monotonic
// counter kept by the process registry); Id is assigned internally.
func (c *IdentityContext) FreshPid(serial uint32) Pid {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSerial++
	return Pid{
		Node:     c.localNode,
		Id:       c.nextSerial,
		Serial:   serial,
		Creation: c.creation,
	}
}

// InternAtom returns the cache index for atom, assigning a fresh one on
// first observation. Used only when the distribution atom-cache feature is
// negotiated on (spec §9 Open Question (b)); callers must not consult this
// table otherwise.
func (c *IdentityContext) InternAtom(a Atom) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok := c.atomIdx[a]; ok {
		return idx
	}
	idx := len(c.atoms)
	c.atoms = append(c.atoms, a)
	c.atomIdx[a] = idx
	return idx
}

// AtomAt returns the atom previously interned at idx, or false if none.
func (c *IdentityContext) AtomAt(idx int) (Atom, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 || idx >= len(c.atoms) {
		return "", false
	}
	return c.atoms[idx], true
}
