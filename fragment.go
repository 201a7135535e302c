package dist

import (
	"encoding/binary"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// maxInFlightSequences bounds the fragment reassembler's LRU (spec §4.6:
// "default 32").
const maxInFlightSequences = 32

type fragmentEntry struct {
	sequenceID    uint64
	nextFragment  uint64
	buffered      []byte
	headerContext []byte
}

// fragmentTable reassembles DFLAG_FRAGMENTS messages (C6). It wraps
// golang-lru/v2's evicting cache so an entry that falls off the LRU before
// completion is reported rather than silently discarded; v2's plain Cache
// has no eviction callback, so NewWithEvict from the same module is used
// instead (spec §4.6.A).
type fragmentTable struct {
	cache    *lru.Cache[uint64, *fragmentEntry]
	overflow []uint64
}

func newFragmentTable() *fragmentTable {
	t := &fragmentTable{}
	cache, err := lru.NewWithEvict[uint64, *fragmentEntry](maxInFlightSequences, func(seq uint64, entry *fragmentEntry) {
		if entry.nextFragment != 0 {
			t.overflow = append(t.overflow, seq)
		}
	})
	if err != nil {
		// Only returns an error for a non-positive size, which
		// maxInFlightSequences never is.
		panic(err)
	}
	t.cache = cache
	return t
}

// Feed processes one inbound distribution-message fragment. header is the
// control-tuple-bearing prefix carried by the first fragment of a sequence
// (nil for continuation fragments). It returns the complete payload and
// header once the sequence's final fragment (fragment id 1) has arrived.
func (t *fragmentTable) Feed(sequenceID, fragmentID uint64, header, body []byte) (payload []byte, headerOut []byte, complete bool, err error) {
	existing, ok := t.cache.Get(sequenceID)
	if !ok {
		if header == nil {
			return nil, nil, false, errors.WithStack(protocolError("first fragment missing control header"))
		}
		existing = &fragmentEntry{
			sequenceID:    sequenceID,
			nextFragment:  fragmentID,
			headerContext: header,
		}
		t.cache.Add(sequenceID, existing)
	} else if fragmentID != existing.nextFragment {
		existing.nextFragment = 0
		t.cache.Remove(sequenceID)
		return nil, nil, false, errors.WithStack(protocolError("fragment arrived out of order"))
	}

	existing.buffered = append(existing.buffered, body...)
	if fragmentID == 1 {
		existing.nextFragment = 0
		t.cache.Remove(sequenceID)
		return existing.buffered, existing.headerContext, true, nil
	}
	existing.nextFragment = fragmentID - 1
	return nil, nil, false, nil
}

// DrainOverflow returns and clears the sequence ids evicted before
// completion since the last call, each surfaced as FragmentOverflow by the
// caller (spec §4.6: "exceeding it drops the oldest and yields
// FragmentOverflow").
func (t *fragmentTable) DrainOverflow() []error {
	if len(t.overflow) == 0 {
		return nil
	}
	errs := make([]error, 0, len(t.overflow))
	for _, seq := range t.overflow {
		errs = append(errs, fragmentOverflow(seq))
	}
	t.overflow = nil
	return errs
}

// Reset discards all partial state, per spec §4.6 ("abnormal session end
// discards all partial state without surfacing pending payloads").
func (t *fragmentTable) Reset() {
	t.cache.Purge()
	t.overflow = nil
}

func encodeFragmentHeader(sequenceID, fragmentID uint64) []byte {
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[:8], sequenceID)
	binary.BigEndian.PutUint64(out[8:], fragmentID)
	return out
}

func decodeFragmentHeader(b []byte) (sequenceID, fragmentID uint64, rest []byte, err error) {
	if len(b) < 16 {
		return 0, 0, nil, errors.WithStack(protocolError("truncated fragment header"))
	}
	sequenceID = binary.BigEndian.Uint64(b[:8])
	fragmentID = binary.BigEndian.Uint64(b[8:16])
	return sequenceID, fragmentID, b[16:], nil
}
