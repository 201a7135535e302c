package dist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// encodePeerChallenge builds a recv_challenge message the way a peer would,
// reusing send_name's layout with the challenge field spliced in (spec
// §4.5), so the handshake table tests stay self-contained without a real
// OTP byte capture.
func encodePeerChallenge(flags Flags, challenge, creation uint32, name string) []byte {
	out := []byte{tagName}
	var flagBuf [8]byte
	binary.BigEndian.PutUint64(flagBuf[:], uint64(flags))
	out = append(out, flagBuf[:]...)
	var cBuf [4]byte
	binary.BigEndian.PutUint32(cBuf[:], challenge)
	out = append(out, cBuf[:]...)
	var crBuf [4]byte
	binary.BigEndian.PutUint32(crBuf[:], creation)
	out = append(out, crBuf[:]...)
	var nlenBuf [2]byte
	binary.BigEndian.PutUint16(nlenBuf[:], uint16(len(name)))
	out = append(out, nlenBuf[:]...)
	out = append(out, name...)
	return out
}

func mustChallengeReplyOurChallenge(t *testing.T, reply []byte) uint32 {
	t.Helper()
	if len(reply) != 21 || reply[0] != tagChallengeReply {
		t.Fatalf("malformed challenge reply: %v", reply)
	}
	return binary.BigEndian.Uint32(reply[1:5])
}

// TestHandshakeHappyPath drives the client-role handshake to completion and
// checks the states the machine passes through: Init → SendName →
// RecvStatus → SendChallengeReply → Established.
func TestHandshakeHappyPath(t *testing.T) {
	cookie := "secret-cookie"
	h := NewHandshake("client@host", cookie, DefaultFlags, 1, Visible)

	out, err := h.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(out) == 0 || out[0] != tagName {
		t.Fatalf("send_name malformed: %v", out)
	}
	if h.State() != StateSendName {
		t.Fatalf("state = %v, want SendName", h.State())
	}

	out, err = h.Step([]byte("s" + "ok"))
	if err != nil {
		t.Fatalf("recv_status: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no reply to ok status, got %v", out)
	}
	if h.State() != StateRecvStatus {
		t.Fatalf("state = %v, want RecvStatus", h.State())
	}

	peerChallenge := uint32(424242)
	challengeMsg := encodePeerChallenge(DefaultFlags, peerChallenge, 7, "server@host")
	out, err = h.Step(challengeMsg)
	if err != nil {
		t.Fatalf("recv_challenge: %v", err)
	}
	ourChallenge := mustChallengeReplyOurChallenge(t, out)
	if h.State() != StateSendChallengeReply {
		t.Fatalf("state = %v, want SendChallengeReply", h.State())
	}
	if h.PeerName != "server@host" {
		t.Fatalf("PeerName = %q", h.PeerName)
	}

	ack := append([]byte{tagChallengeAck}, challengeDigest(cookie, ourChallenge)...)
	out, err = h.Step(ack)
	if err != nil {
		t.Fatalf("recv_challenge_ack: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no output on ack, got %v", out)
	}
	if h.State() != StateEstablished {
		t.Fatalf("state = %v, want Established", h.State())
	}
}

// TestHandshakeWrongCookieFails is scenario S5: a wrong cookie on the ack
// ends in AuthenticationFailed and the handshake does not reach
// Established.
func TestHandshakeWrongCookieFails(t *testing.T) {
	h := NewHandshake("client@host", "right-cookie", DefaultFlags, 1, Visible)
	if _, err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.Step([]byte("sok")); err != nil {
		t.Fatalf("recv_status: %v", err)
	}
	challengeMsg := encodePeerChallenge(DefaultFlags, 1, 1, "server@host")
	out, err := h.Step(challengeMsg)
	if err != nil {
		t.Fatalf("recv_challenge: %v", err)
	}
	_ = out

	// ack computed with the WRONG cookie.
	badAck := append([]byte{tagChallengeAck}, challengeDigest("wrong-cookie", 1)...)
	_, err = h.Step(badAck)
	if err == nil {
		t.Fatal("expected AuthenticationFailed")
	}
	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("got %T, want *HandshakeError", err)
	}
	if he.Kind != "AuthenticationFailed" {
		t.Fatalf("Kind = %q", he.Kind)
	}
	if h.State() != StateFailed {
		t.Fatalf("state = %v, want Failed", h.State())
	}
}

func TestHandshakeMissingRequiredFlagFails(t *testing.T) {
	h := NewHandshake("client@host", "cookie", DefaultFlags, 1, Visible)
	if _, err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.Step([]byte("sok")); err != nil {
		t.Fatalf("recv_status: %v", err)
	}
	// Peer omits DFLAG_HANDSHAKE_23.
	weak := DefaultFlags &^ FlagHandshake23
	challengeMsg := encodePeerChallenge(weak, 1, 1, "server@host")
	_, err := h.Step(challengeMsg)
	if err == nil {
		t.Fatal("expected MissingRequiredFlag")
	}
	var he *HandshakeError
	if !errors.As(err, &he) || he.Kind != "MissingRequiredFlag" {
		t.Fatalf("got %#v", err)
	}
}

func TestHandshakeStatusRejected(t *testing.T) {
	h := NewHandshake("client@host", "cookie", DefaultFlags, 1, Visible)
	if _, err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := h.Step([]byte("s" + "not_allowed"))
	if err == nil {
		t.Fatal("expected StatusRejected")
	}
	var he *HandshakeError
	if !errors.As(err, &he) || he.Kind != "StatusRejected" {
		t.Fatalf("got %#v", err)
	}
}

func TestHandshakeAliveStatusRepliesFalseByDefault(t *testing.T) {
	h := NewHandshake("client@host", "cookie", DefaultFlags, 1, Visible)
	if _, err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	out, err := h.Step([]byte("s" + "alive"))
	if err != nil {
		t.Fatalf("recv_status: %v", err)
	}
	if !bytes.Equal(out, []byte("false")) {
		t.Fatalf("reply = %q, want \"false\"", out)
	}
}
