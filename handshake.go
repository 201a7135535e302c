package dist

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// HandshakeState names a node in the C5 state machine (spec §4.5).
type HandshakeState int

const (
	StateInit HandshakeState = iota
	StateSendName
	StateRecvStatus
	StateRecvChallenge
	StateSendChallengeReply
	StateRecvChallengeAck
	StateEstablished
	StateFailed
)

func (s HandshakeState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateSendName:
		return "SendName"
	case StateRecvStatus:
		return "RecvStatus"
	case StateRecvChallenge:
		return "RecvChallenge"
	case StateSendChallengeReply:
		return "SendChallengeReply"
	case StateRecvChallengeAck:
		return "RecvChallengeAck"
	case StateEstablished:
		return "Established"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Visibility controls how this client presents itself to the peer (spec
// §6 connect(... visibility)).
type Visibility int

const (
	Visible Visibility = iota
	Hidden
)

const (
	tagName           = 'N'
	tagStatus         = 's'
	tagChallengeReply = 'r'
	tagChallengeAck   = 'a'
)

// Handshake drives the client side of the EDP handshake as a pure
// transform over (state, input bytes) → (next state, output bytes),
// per the design note in spec §9: the I/O loop (runHandshake in session.go)
// only reads frames, calls Step, and writes whatever Step returns.
type Handshake struct {
	LocalName                  string
	Cookie                     string
	Flags                      Flags
	Creation                   uint32
	Visibility                 Visibility
	AllowDuplicateNameTakeover bool

	state         HandshakeState
	ourChallenge  uint32
	peerChallenge uint32

	PeerName     string
	PeerFlags    Flags
	PeerCreation uint32

	err error
}

// NewHandshake constructs a handshake in state Init. Creation must be a
// value the caller obtained out of band (e.g. from a prior session or a
// counter); this client does not allocate creations itself.
func NewHandshake(localName, cookie string, flags Flags, creation uint32, visibility Visibility) *Handshake {
	return &Handshake{
		LocalName:  localName,
		Cookie:     cookie,
		Flags:      flags | FlagHandshake23,
		Creation:   creation,
		Visibility: visibility,
		state:      StateInit,
	}
}

func (h *Handshake) State() HandshakeState { return h.state }
func (h *Handshake) Err() error             { return h.err }

func (h *Handshake) fail(err error) ([]byte, error) {
	h.state = StateFailed
	h.err = err
	return nil, err
}

// Start emits send_name and transitions Init → SendName, which is really
// "awaiting recv_status"; the state name reflects what was just sent, per
// the table in spec §4.5.
func (h *Handshake) Start() ([]byte, error) {
	if h.state != StateInit {
		return h.fail(errors.WithStack(&HandshakeError{Kind: "ProtocolError", State: h.state.String(), Info: "Start called out of order"}))
	}
	challenge, err := randUint32()
	if err != nil {
		return h.fail(err)
	}
	h.ourChallenge = challenge

	out := encodeSendName(h.Flags, h.Creation, h.LocalName)
	h.state = StateSendName
	return out, nil
}

// Step feeds one received handshake message to the state machine and
// returns the bytes (if any) to send in response. A nil return with a nil
// error means no reply is required before the next Step call; this is the
// case for an "ok"/"ok_simultaneous" status and for a valid
// recv_challenge_ack.
func (h *Handshake) Step(input []byte) ([]byte, error) {
	switch h.state {
	case StateSendName:
		return h.stepRecvStatus(input)
	case StateRecvStatus:
		return h.stepRecvChallenge(input)
	case StateSendChallengeReply:
		return h.stepRecvChallengeAck(input)
	default:
		return h.fail(errors.WithStack(&HandshakeError{Kind: "ProtocolError", State: h.state.String(), Info: "Step called in terminal or unexpected state"}))
	}
}

func (h *Handshake) stepRecvStatus(input []byte) ([]byte, error) {
	if len(input) == 0 || input[0] != tagStatus {
		return h.fail(errors.WithStack(&HandshakeError{Kind: "ProtocolError", State: h.state.String(), Info: "expected recv_status"}))
	}
	status := string(input[1:])
	switch status {
	case "ok", "ok_simultaneous":
		h.state = StateRecvStatus
		return nil, nil
	case "alive":
		h.state = StateRecvStatus
		reply := encodeBool(h.AllowDuplicateNameTakeover)
		return reply, nil
	case "nok", "not_allowed":
		return h.fail(statusRejected(h.state.String(), status))
	default:
		return h.fail(statusRejected(h.state.String(), status))
	}
}

func (h *Handshake) stepRecvChallenge(input []byte) ([]byte, error) {
	if len(input) == 0 || input[0] != tagName {
		return h.fail(errors.WithStack(&HandshakeError{Kind: "ProtocolError", State: h.state.String(), Info: "expected recv_challenge"}))
	}
	flags, challenge, creation, name, err := decodeChallenge(input)
	if err != nil {
		return h.fail(err)
	}
	h.peerChallenge = challenge
	h.PeerFlags = flags
	h.PeerCreation = creation
	h.PeerName = name

	for _, req := range requiredFlags {
		if !flags.Has(req.flag) {
			return h.fail(missingRequiredFlag(h.state.String(), req.name))
		}
	}

	digest := challengeDigest(h.Cookie, challenge)
	out := encodeChallengeReply(h.ourChallenge, digest)
	h.state = StateSendChallengeReply
	return out, nil
}

func (h *Handshake) stepRecvChallengeAck(input []byte) ([]byte, error) {
	if len(input) == 0 || input[0] != tagChallengeAck {
		return h.fail(errors.WithStack(&HandshakeError{Kind: "ProtocolError", State: h.state.String(), Info: "expected recv_challenge_ack"}))
	}
	if len(input) != 17 {
		return h.fail(authenticationFailed(h.state.String()))
	}
	want := challengeDigest(h.Cookie, h.ourChallenge)
	if string(input[1:]) != string(want) {
		return h.fail(authenticationFailed(h.state.String()))
	}
	h.state = StateEstablished
	return nil, nil
}

func challengeDigest(cookie string, challenge uint32) []byte {
	sum := md5.Sum([]byte(cookie + fmt.Sprintf("%d", challenge)))
	return sum[:]
}

func randUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.WithStack(err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func encodeSendName(flags Flags, creation uint32, name string) []byte {
	out := make([]byte, 0, 15+len(name))
	out = append(out, tagName)
	var flagBuf [8]byte
	binary.BigEndian.PutUint64(flagBuf[:], uint64(flags))
	out = append(out, flagBuf[:]...)
	var creationBuf [4]byte
	binary.BigEndian.PutUint32(creationBuf[:], creation)
	out = append(out, creationBuf[:]...)
	var nlenBuf [2]byte
	binary.BigEndian.PutUint16(nlenBuf[:], uint16(len(name)))
	out = append(out, nlenBuf[:]...)
	out = append(out, name...)
	return out
}

func decodeChallenge(input []byte) (flags Flags, challenge uint32, creation uint32, name string, err error) {
	// recv_challenge reuses the 'N' tag with an extra 4-byte challenge
	// field spliced between flags and creation (spec §4.5). It carries no
	// version field of its own — the distribution version was already
	// fixed by send_name, so there is nothing to compare here.
	if len(input) < 1+8+4+4+2 {
		return 0, 0, 0, "", errors.WithStack(protocolError("truncated recv_challenge"))
	}
	body := input[1:]
	flags = Flags(binary.BigEndian.Uint64(body[:8]))
	body = body[8:]
	challenge = binary.BigEndian.Uint32(body[:4])
	body = body[4:]
	creation = binary.BigEndian.Uint32(body[:4])
	body = body[4:]
	nlen := binary.BigEndian.Uint16(body[:2])
	body = body[2:]
	if len(body) < int(nlen) {
		return 0, 0, 0, "", errors.WithStack(protocolError("truncated recv_challenge name"))
	}
	name = string(body[:nlen])
	return flags, challenge, creation, name, nil
}

func encodeChallengeReply(challenge uint32, digest []byte) []byte {
	out := make([]byte, 0, 21)
	out = append(out, tagChallengeReply)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], challenge)
	out = append(out, buf[:]...)
	out = append(out, digest...)
	return out
}

func encodeBool(v bool) []byte {
	if v {
		return []byte(strings.ToLower("True"))
	}
	return []byte(strings.ToLower("False"))
}
