package dist

// Capability flags exchanged during the handshake (spec §4.5). Bit values
// match OTP's erl_dist_protocol; the set is wide enough that the word is
// kept as a uint64 rather than the narrower types some peers still send.
type Flags uint64

const (
	FlagPublished          Flags = 0x1
	FlagAtomCache          Flags = 0x2
	FlagExtendedReferences Flags = 0x4
	FlagDistMonitor        Flags = 0x8
	FlagFunTags            Flags = 0x10
	FlagDistMonitorName    Flags = 0x20
	FlagHiddenAtomCache    Flags = 0x40
	FlagNewFunTags         Flags = 0x80
	FlagExtendedPidsPorts  Flags = 0x100
	FlagExportPtrTag       Flags = 0x200
	FlagBitBinaries        Flags = 0x400
	FlagNewFloats          Flags = 0x800
	FlagUnicodeIO          Flags = 0x1000
	FlagDistHdrAtomCache   Flags = 0x2000
	FlagSmallAtomTags      Flags = 0x4000
	FlagUTF8Atoms          Flags = 0x10000
	FlagMapTag             Flags = 0x20000
	FlagBigCreation        Flags = 0x40000
	FlagSendSender         Flags = 0x80000
	FlagBigSeqtraceLabels  Flags = 0x100000
	FlagExitPayload        Flags = 0x400000
	FlagFragments          Flags = 0x800000
	FlagHandshake23        Flags = 0x1000000
	FlagUnlinkID           Flags = 0x2000000
	FlagSpawn              Flags = 0x100000000
	FlagNameMe             Flags = 0x200000000
	FlagV4NC               Flags = 0x400000000
	FlagAlias              Flags = 0x800000000
)

// DefaultFlags is the capability set this client advertises in send_name.
// FlagSpawn is deliberately absent: this client rejects spawn requests
// rather than supporting them.
const DefaultFlags = FlagExtendedReferences |
	FlagExtendedPidsPorts |
	FlagBitBinaries |
	FlagNewFloats |
	FlagUTF8Atoms |
	FlagSmallAtomTags |
	FlagMapTag |
	FlagBigCreation |
	FlagHandshake23 |
	FlagDistMonitor |
	FlagUnlinkID |
	FlagAlias |
	FlagFragments

// requiredFlags are the flags this client cannot operate without; a peer
// that fails to offer all of them after intersection fails the handshake
// with MissingRequiredFlag.
var requiredFlags = []struct {
	flag Flags
	name string
}{
	{FlagExtendedReferences, "EXTENDED_REFERENCES"},
	{FlagExtendedPidsPorts, "EXTENDED_PIDS_PORTS"},
	{FlagUTF8Atoms, "UTF8_ATOMS"},
	{FlagHandshake23, "HANDSHAKE_23"},
}

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// NameMe reports whether this client asked the peer to assign its node name
// (send_name with no local name given).
func (f Flags) NameMe() bool { return f.Has(FlagNameMe) }
