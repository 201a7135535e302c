package dist

import (
	"github.com/distlab/edp/etf"
)

// Control opcodes (spec §4.7), numbered per OTP's erl_dist_protocol.
const (
	opLink               = 1
	opSend               = 2
	opExit               = 3
	opUnlink             = 4
	opRegSend            = 6
	opGroupLeader        = 7
	opExit2              = 8
	opSendTT             = 12
	opExitTT             = 13
	opRegSendTT          = 16
	opExit2TT            = 18
	opMonitorP           = 19
	opDemonitorP         = 20
	opMonitorPExit       = 21
	opSendSender         = 22
	opSendSenderTT       = 23
	opPayloadExit        = 24
	opPayloadExitTT      = 25
	opPayloadExit2       = 26
	opPayloadExit2TT     = 27
	opPayloadMonitorPExit = 28
	opAliasSend          = 33
	opAliasSendTT        = 34
	opUnlinkID           = 35
	opUnlinkIDAck        = 36

	// passThroughByte is the constant prefix marking every steady-state
	// distribution message (spec §4.7).
	passThroughByte = 112
)

// Event is what C7 hands to the session's caller-facing loop. Payload
// bytes are kept undecoded until Payload is called (spec §4.7: "payload
// terms are decoded lazily").
type Event interface {
	Opcode() int
	Payload() (etf.Term, error)
}

type baseEvent struct {
	opcode      int
	payloadBody []byte
}

func (e baseEvent) Opcode() int { return e.opcode }

func (e baseEvent) Payload() (etf.Term, error) {
	if len(e.payloadBody) == 0 {
		return nil, nil
	}
	term, _, err := etf.Decode(e.payloadBody)
	if err != nil {
		return nil, payloadDecodeError(err.Error())
	}
	return term, nil
}

type LinkEvent struct {
	baseEvent
	From, To etf.Pid
}

type UnlinkEvent struct {
	baseEvent
	From, To etf.Pid
	ID       uint64
}

type SendEvent struct {
	baseEvent
	From, To etf.Pid // From is the zero Pid for legacy SEND/SEND_TT
}

type RegSendEvent struct {
	baseEvent
	From   etf.Pid
	ToName etf.Atom
}

type ExitEvent struct {
	baseEvent
	From, To etf.Pid
	Reason   etf.Term // inline for EXIT/EXIT2, lazily decoded for PAYLOAD_EXIT*
}

type GroupLeaderEvent struct {
	baseEvent
	From, To etf.Pid
}

type MonitorEvent struct {
	baseEvent
	From, To etf.Pid
	Ref      etf.Ref
}

type DemonitorEvent struct {
	baseEvent
	From, To etf.Pid
	Ref      etf.Ref
}

type MonitorExitEvent struct {
	baseEvent
	From, To etf.Pid
	Ref      etf.Ref
	Reason   etf.Term
}

type AliasSendEvent struct {
	baseEvent
	From  etf.Pid
	Alias etf.Ref
}

type UnlinkIDEvent struct {
	baseEvent
	From, To etf.Pid
	ID       uint64
}

type UnlinkIDAckEvent struct {
	baseEvent
	From, To etf.Pid
	ID       uint64
}

// UnknownEvent is delivered for any opcode this client doesn't recognize;
// reported as an UnknownControl error but must not kill the session.
// SPAWN_REQUEST falls here deliberately: this client advertises no
// spawn-related flags and doesn't support remote spawning.
type UnknownEvent struct {
	baseEvent
}

// Dispatch turns an already-decoded control tuple (and, for opcodes that
// carry one, the still-encoded payload term) into a typed Event. It is the
// single entry point C7 exposes to the session loop (spec §4.7.A).
func Dispatch(tuple etf.Term, payload []byte) (Event, error) {
	tup, ok := tuple.(etf.Tuple)
	if !ok || len(tup) == 0 {
		return nil, unknownControl(-1)
	}
	opcode, ok := asInt(tup[0])
	if !ok {
		return nil, unknownControl(-1)
	}

	base := baseEvent{opcode: opcode, payloadBody: payload}

	switch opcode {
	case opLink:
		from, to, err := pidPair(tup, 1, 2)
		if err != nil {
			return nil, err
		}
		return LinkEvent{base, from, to}, nil

	case opUnlink:
		from, to, err := pidPair(tup, 1, 2)
		if err != nil {
			return nil, err
		}
		return UnlinkEvent{base, from, to, 0}, nil

	case opUnlinkID:
		if len(tup) < 4 {
			return nil, protocolError("UNLINK_ID: short tuple")
		}
		id, _ := asUint64(tup[1])
		from, to, err := pidPair(tup, 2, 3)
		if err != nil {
			return nil, err
		}
		return UnlinkIDEvent{base, from, to, id}, nil

	case opUnlinkIDAck:
		if len(tup) < 4 {
			return nil, protocolError("UNLINK_ID_ACK: short tuple")
		}
		id, _ := asUint64(tup[1])
		from, to, err := pidPair(tup, 2, 3)
		if err != nil {
			return nil, err
		}
		return UnlinkIDAckEvent{base, from, to, id}, nil

	case opSend, opSendTT:
		to, ok := tup[len(tup)-1].(etf.Pid)
		if !ok {
			return nil, protocolError("SEND: missing to-pid")
		}
		return SendEvent{base, etf.Pid{}, to}, nil

	case opSendSender, opSendSenderTT:
		if len(tup) < 3 {
			return nil, protocolError("SEND_SENDER: short tuple")
		}
		from, ok1 := tup[1].(etf.Pid)
		to, ok2 := tup[2].(etf.Pid)
		if !ok1 || !ok2 {
			return nil, protocolError("SEND_SENDER: bad pid fields")
		}
		return SendEvent{base, from, to}, nil

	case opRegSend, opRegSendTT:
		if len(tup) < 4 {
			return nil, protocolError("REG_SEND: short tuple")
		}
		from, ok1 := tup[1].(etf.Pid)
		name, ok2 := tup[3].(etf.Atom)
		if !ok1 || !ok2 {
			return nil, protocolError("REG_SEND: bad fields")
		}
		return RegSendEvent{base, from, name}, nil

	case opExit, opExitTT:
		from, to, err := pidPair(tup, 1, 2)
		if err != nil {
			return nil, err
		}
		return ExitEvent{base, from, to, tup[len(tup)-1]}, nil

	case opExit2, opExit2TT:
		from, to, err := pidPair(tup, 1, 2)
		if err != nil {
			return nil, err
		}
		return ExitEvent{base, from, to, tup[len(tup)-1]}, nil

	case opPayloadExit, opPayloadExitTT, opPayloadExit2, opPayloadExit2TT:
		from, to, err := pidPair(tup, 1, 2)
		if err != nil {
			return nil, err
		}
		return ExitEvent{base, from, to, nil}, nil

	case opGroupLeader:
		from, to, err := pidPair(tup, 1, 2)
		if err != nil {
			return nil, err
		}
		return GroupLeaderEvent{base, from, to}, nil

	case opMonitorP:
		from, to, ref, err := monitorTriple(tup)
		if err != nil {
			return nil, err
		}
		return MonitorEvent{base, from, to, ref}, nil

	case opDemonitorP:
		from, to, ref, err := monitorTriple(tup)
		if err != nil {
			return nil, err
		}
		return DemonitorEvent{base, from, to, ref}, nil

	case opMonitorPExit:
		from, to, ref, err := monitorTriple(tup)
		if err != nil {
			return nil, err
		}
		var reason etf.Term
		if len(tup) >= 5 {
			reason = tup[4]
		}
		return MonitorExitEvent{base, from, to, ref, reason}, nil

	case opPayloadMonitorPExit:
		from, to, ref, err := monitorTriple(tup)
		if err != nil {
			return nil, err
		}
		return MonitorExitEvent{base, from, to, ref, nil}, nil

	case opAliasSend, opAliasSendTT:
		if len(tup) < 3 {
			return nil, protocolError("ALIAS_SEND: short tuple")
		}
		from, ok1 := tup[1].(etf.Pid)
		ref, ok2 := tup[2].(etf.Ref)
		if !ok1 || !ok2 {
			return nil, protocolError("ALIAS_SEND: bad fields")
		}
		return AliasSendEvent{base, from, ref}, nil

	default:
		return UnknownEvent{base}, unknownControl(opcode)
	}
}

func pidPair(tup etf.Tuple, i, j int) (etf.Pid, etf.Pid, error) {
	if len(tup) <= j {
		return etf.Pid{}, etf.Pid{}, protocolError("control tuple too short for pid pair")
	}
	from, ok1 := tup[i].(etf.Pid)
	to, ok2 := tup[j].(etf.Pid)
	if !ok1 || !ok2 {
		return etf.Pid{}, etf.Pid{}, protocolError("expected pid fields")
	}
	return from, to, nil
}

func monitorTriple(tup etf.Tuple) (from, to etf.Pid, ref etf.Ref, err error) {
	if len(tup) < 4 {
		return etf.Pid{}, etf.Pid{}, etf.Ref{}, protocolError("monitor control tuple too short")
	}
	from, ok1 := tup[1].(etf.Pid)
	var toTerm etf.Term = tup[2]
	to, ok2 := toTerm.(etf.Pid)
	ref, ok3 := tup[3].(etf.Ref)
	if !ok1 || !ok3 {
		return etf.Pid{}, etf.Pid{}, etf.Ref{}, protocolError("monitor control: bad fields")
	}
	if !ok2 {
		// MONITOR_P may target a registered name (atom) instead of a pid;
		// leave To zero in that case.
		to = etf.Pid{}
	}
	return from, to, ref, nil
}

func asInt(t etf.Term) (int, bool) {
	switch v := t.(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func asUint64(t etf.Term) (uint64, bool) {
	switch v := t.(type) {
	case int64:
		return uint64(v), true
	case int:
		return uint64(v), true
	}
	return 0, false
}

// EncodeControl builds the wire bytes for an outbound control message:
// pass-through byte, encoded control tuple, encoded payload (if any), per
// spec §4.7 send path.
func EncodeControl(tuple etf.Term, payload etf.Term, opts etf.EncodeOptions) ([]byte, error) {
	head, err := etf.Encode(tuple, opts)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(head))
	out = append(out, passThroughByte)
	out = append(out, head...)
	if payload != nil {
		body, err := etf.Encode(payload, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, body...)
	}
	return out, nil
}
