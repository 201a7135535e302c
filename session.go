package dist

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/distlab/edp/etf"
)

// ConnectOptions configures Connect (spec §6). No ambient configuration is
// read by the core; every field here is explicit, per spec §6
// "Environment".
type ConnectOptions struct {
	LocalName                  string
	Cookie                     string
	Flags                      Flags
	Creation                   uint32
	Visibility                 Visibility
	AllowDuplicateNameTakeover bool

	// TickInterval is the liveness interval (spec §4.4/§4.8); zero uses
	// the OTP default of 15 seconds (net_ticktime/4).
	TickInterval time.Duration

	// ShutdownDeadline bounds a graceful Close (spec §5); zero uses 5s.
	ShutdownDeadline time.Duration

	// FragmentThreshold is the outbound split size when DFLAG_FRAGMENTS
	// is mutually agreed (spec §9: "default to 64 KiB").
	FragmentThreshold int

	// Compress and CompressionThreshold configure the zlib envelope (C3)
	// applied to every outbound control/payload term.
	Compress             bool
	CompressionThreshold uint32

	Logger *slog.Logger
}

func (o *ConnectOptions) setDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 15 * time.Second
	}
	if o.ShutdownDeadline <= 0 {
		o.ShutdownDeadline = 5 * time.Second
	}
	if o.FragmentThreshold <= 0 {
		o.FragmentThreshold = 64 * 1024
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// outboundMessage is one item on the bounded outbound queue (spec §5).
type outboundMessage struct {
	tuple   etf.Term
	payload etf.Term
}

const outboundQueueSize = 1024

// Session is one established EDP connection to a peer node (spec §5/§6).
// Two goroutines cooperate over it: inboundLoop (reads frames, runs
// C4/C6/C7, emits Events) and outboundLoop (drains the outbound queue,
// runs C3/C7/C4, writes frames) — the shapes spec §5 describes, modeled
// after registrar.go's channel-driven run loop.
type Session struct {
	ID uuid.UUID

	conn    net.Conn
	writeMu sync.Mutex
	writer  *frameWriter
	reader  *frameReader
	logger  *slog.Logger

	identity *etf.IdentityContext
	peer     peerInfo

	encodeOpts etf.EncodeOptions

	fragments         *fragmentTable
	fragmentThreshold int
	fragmentsEnabled  bool

	tickInterval     time.Duration
	shutdownDeadline time.Duration

	outbound chan outboundMessage
	events   *eventQueue

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	wg sync.WaitGroup

	nextSequence uint64
	seqMu        sync.Mutex
}

type peerInfo struct {
	Name     etf.Atom
	Flags    Flags
	Creation uint32
}

// Connect dials addr, runs the C5 handshake, and on success starts the
// steady-state loops, returning an established Session (spec §6).
func Connect(ctx context.Context, addr string, opts ConnectOptions) (*Session, error) {
	opts.setDefaults()

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	hs := NewHandshake(opts.LocalName, opts.Cookie, opts.Flags|DefaultFlags, opts.Creation, opts.Visibility)
	hs.AllowDuplicateNameTakeover = opts.AllowDuplicateNameTakeover

	// The handshake and steady-state phases use different frame header
	// widths (spec §4.4) but must share the same buffered reader/writer
	// pair over conn — constructing fresh bufio wrappers after the
	// handshake would strand any bytes the handshake's reader already
	// buffered ahead of what it explicitly consumed.
	fr := newFrameReader(conn)
	fw := newFrameWriter(conn)
	if err := runHandshake(fr, fw, hs); err != nil {
		conn.Close()
		return nil, err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	localName := opts.LocalName
	s := &Session{
		ID:       uuid.New(),
		conn:     conn,
		logger:   opts.Logger,
		identity: etf.NewIdentityContext(etf.Atom(localName), opts.Creation),
		peer: peerInfo{
			Name:     etf.Atom(hs.PeerName),
			Flags:    hs.PeerFlags,
			Creation: hs.PeerCreation,
		},
		encodeOpts: etf.EncodeOptions{
			Compress:             opts.Compress,
			CompressionThreshold: opts.CompressionThreshold,
		},
		fragments:         newFragmentTable(),
		fragmentThreshold: opts.FragmentThreshold,
		fragmentsEnabled:  hs.Flags.Has(FlagFragments) && hs.PeerFlags.Has(FlagFragments),
		tickInterval:      opts.TickInterval,
		shutdownDeadline:  opts.ShutdownDeadline,
		outbound:          make(chan outboundMessage, outboundQueueSize),
		events:            newEventQueue(),
		ctx:               sessionCtx,
		cancel:            cancel,
	}

	s.setReaderWriter(fr, fw)
	s.logger.Info("dist: session established", "session", s.ID, "peer", hs.PeerName)

	s.wg.Add(2)
	go s.inboundLoop()
	go s.outboundLoop()

	return s, nil
}

// runHandshake drives the C5 pure state machine over 2-byte-length-prefixed
// handshake frames, mirroring the read/act/write loop shape of
// application.go's supervised loop (spec §4.5.A).
func runHandshake(fr *frameReader, fw *frameWriter, hs *Handshake) error {
	out, err := hs.Start()
	if err != nil {
		return err
	}
	if err := fw.WriteHandshakeFrame(out); err != nil {
		return errors.WithStack(err)
	}

	for hs.State() != StateEstablished {
		in, err := fr.ReadHandshakeFrame()
		if err != nil {
			return errors.WithStack(err)
		}
		out, err := hs.Step(in)
		if err != nil {
			return err
		}
		if len(out) > 0 {
			if err := fw.WriteHandshakeFrame(out); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	return nil
}

// Send enqueues a control message addressed to a Pid, a registered local
// name (etf.Atom), or a {Name, Node} tuple for a registered remote name —
// the same three-way dispatch registrar.go's route used for its process
// registry, generalized here to wire targets (spec §6).
func (s *Session) Send(from etf.Pid, to etf.Term, payload etf.Term) error {
	var tuple etf.Term
	switch t := to.(type) {
	case etf.Pid:
		tuple = etf.Tuple{int64(opSendSender), from, t}
	case etf.Atom:
		tuple = etf.Tuple{int64(opRegSend), from, etf.Atom(""), t}
	case etf.Tuple:
		if len(t) != 2 {
			return protocolError("send: malformed {name, node} target")
		}
		tuple = etf.Tuple{int64(opRegSend), from, etf.Atom(""), t.Element(1)}
	default:
		return protocolError("send: unsupported target type")
	}
	return s.enqueue(tuple, payload)
}

func (s *Session) Link(from, to etf.Pid) error {
	return s.enqueue(etf.Tuple{int64(opLink), from, to}, nil)
}

func (s *Session) Unlink(from, to etf.Pid, id uint64) error {
	return s.enqueue(etf.Tuple{int64(opUnlinkID), int64(id), from, to}, nil)
}

func (s *Session) Monitor(from, to etf.Pid, ref etf.Ref) error {
	return s.enqueue(etf.Tuple{int64(opMonitorP), from, to, ref}, nil)
}

func (s *Session) Demonitor(from, to etf.Pid, ref etf.Ref) error {
	return s.enqueue(etf.Tuple{int64(opDemonitorP), from, to, ref}, nil)
}

func (s *Session) Exit(from, to etf.Pid, reason etf.Term) error {
	return s.enqueue(etf.Tuple{int64(opExit2), from, to, reason}, nil)
}

func (s *Session) enqueue(tuple, payload etf.Term) error {
	if s.ctx.Err() != nil {
		return Closed{Reason: "session closed"}
	}
	select {
	case s.outbound <- outboundMessage{tuple: tuple, payload: payload}:
		return nil
	default:
		return ErrBackpressure
	}
}

// Recv blocks until the next Event is available or the session closes.
func (s *Session) Recv() (Event, error) {
	return s.events.Pop(s.ctx)
}

// Close initiates a graceful shutdown (spec §5 "Cancellation"): the
// outbound queue stops accepting, pending frames are flushed with a
// deadline, then the connection is closed.
func (s *Session) Close(reason string) error {
	s.closeOnce.Do(func() {
		s.cancel()
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.shutdownDeadline):
		}
		s.conn.Close()
		s.closeErr = Closed{Reason: reason}
		s.events.Close(s.closeErr)
	})
	return nil
}

func (s *Session) setReaderWriter(fr *frameReader, fw *frameWriter) {
	s.writeMu.Lock()
	s.writer = fw
	s.writeMu.Unlock()
	s.reader = fr
}

func (s *Session) fw() *frameWriter { return s.writer }

// Identity exposes the session's C8 identity context (local node atom,
// creation, and atom-cache table) to callers that mint their own Pids.
func (s *Session) Identity() *etf.IdentityContext { return s.identity }

// PeerFlags returns the capability flag set the peer advertised during the
// handshake (spec §4.5: "stored in the session for C7/C6 to consult").
func (s *Session) PeerFlags() Flags { return s.peer.Flags }

// Abort closes both halves immediately without draining (spec §5 "hard-abort
// path").
func (s *Session) Abort(reason string) {
	s.cancel()
	s.conn.Close()
	s.closeOnce.Do(func() {
		s.closeErr = Closed{Reason: reason}
		s.events.Close(s.closeErr)
	})
}
