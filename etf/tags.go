package etf

// Erlang external term format tags, per OTP's erl_ext_dist. Names mirror
// the ERTS source (ettFoo == "external term tag Foo").
const (
	ettNewFloat      = 70  // 'F'
	ettBitBinary     = 77  // 'M'
	ettCompressed    = 80  // 'P'
	ettSmallInteger  = 97  // 'a'
	ettInteger       = 98  // 'b'
	ettFloat         = 99  // 'c'
	ettAtom          = 100 // 'd' (ATOM_EXT, legacy latin-1)
	ettRef           = 101 // 'e'
	ettPort          = 102 // 'f'
	ettPid           = 103 // 'g'
	ettSmallTuple    = 104 // 'h'
	ettLargeTuple    = 105 // 'i'
	ettNil           = 106 // 'j'
	ettString        = 107 // 'k'
	ettList          = 108 // 'l'
	ettBinary        = 109 // 'm'
	ettSmallBig      = 110 // 'n'
	ettLargeBig      = 111 // 'o'
	ettNewRef        = 114 // 'r'
	ettSmallAtom     = 115 // 's' (legacy latin-1)
	ettMap           = 116 // 't'
	ettFun           = 117 // 'u'
	ettAtomUTF8      = 118 // 'v'
	ettSmallAtomUTF8 = 119 // 'w'
	ettExport        = 113 // 'q'
	ettNewFun        = 112 // 'p'
	ettNewPid        = 88  // 'X'
	ettNewPort       = 89  // 'Y'
	ettNewerRef      = 90  // 'Z'

	etVersion = 131 // version magic prefixing every top-level ETF stream
)
