package dist

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/distlab/edp/etf"
)

// eventQueue is the unbounded inbound mailbox described in spec §5
// ("unbounded by design — the caller must drain it or the session stalls
// on memory"): a mutex-guarded growing slice signalled by a 1-buffered
// channel, rather than a fixed-capacity Go channel.
type eventQueue struct {
	mu     sync.Mutex
	items  []queuedEvent
	notify chan struct{}
	closed bool
}

type queuedEvent struct {
	event Event
	err   error
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, queuedEvent{ev, err})
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Close marks the queue closed after enqueueing one final (nil, closeErr)
// item so a blocked Pop wakes with the close reason.
func (q *eventQueue) Close(closeErr error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = append(q.items, queuedEvent{nil, closeErr})
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) Pop(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it.event, it.err
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type frameResult struct {
	payload []byte
	tick    bool
	err     error
}

// inboundLoop reads frames, runs C4/C6/C7, and emits Events (spec §5).
func (s *Session) inboundLoop() {
	defer s.wg.Done()
	fr := s.reader

	deadline := time.NewTimer(4 * s.tickInterval)
	defer deadline.Stop()

	done := make(chan frameResult)
	go func() {
		for {
			payload, tick, err := fr.ReadFrame()
			select {
			case done <- frameResult{payload, tick, err}:
			case <-s.ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-deadline.C:
			s.events.push(nil, ErrTickTimeout)
			go s.Close("tick timeout")
			return
		case r := <-done:
			if r.err != nil {
				go s.Close(r.err.Error())
				return
			}
			if !deadline.Stop() {
				select {
				case <-deadline.C:
				default:
				}
			}
			deadline.Reset(4 * s.tickInterval)

			if r.tick {
				s.writeTickReply()
				continue
			}
			s.handleFrame(r.payload)
		}
	}
}

func (s *Session) writeTickReply() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.fw().WriteTick()
}

// handleFrame runs fragment reassembly (if negotiated) and the control
// layer over one established-phase payload (spec §4.6/§4.7).
func (s *Session) handleFrame(frame []byte) {
	for _, overflow := range s.fragments.DrainOverflow() {
		s.events.push(nil, overflow)
	}

	body := frame
	if s.fragmentsEnabled && len(frame) > 0 && frame[0] != passThroughByte {
		seq, fragID, rest, err := decodeFragmentHeader(frame)
		if err != nil {
			go s.Close(err.Error())
			return
		}
		var header []byte
		if fragID != 0 && rest[0] == passThroughByte {
			// first fragment of a sequence carries the control
			// header inline ahead of the continuation bytes.
			header = rest
			rest = nil
		}
		payload, headerOut, complete, err := s.fragments.Feed(seq, fragID, header, rest)
		if err != nil {
			// fragment protocol violation is fatal to the session (spec §4.6/§4.8).
			go s.Close(err.Error())
			return
		}
		if !complete {
			return
		}
		body = append(append([]byte{}, headerOut...), payload...)
	}

	if len(body) == 0 || body[0] != passThroughByte {
		go s.Close("missing pass-through byte")
		return
	}
	body = body[1:]

	tuple, rest, err := etf.Decode(body)
	if err != nil {
		go s.Close("control header decode failed")
		return
	}

	ev, err := Dispatch(tuple, rest)
	if err != nil {
		if se, ok := errors.Cause(err).(*SessionError); ok && se.Kind == "UnknownControl" {
			// forward-compat warn-and-drop, not fatal (spec §4.7).
			s.events.push(ev, err)
			return
		}
		// a failure inside the control header itself is fatal (spec §4.8).
		go s.Close(err.Error())
		return
	}
	s.events.push(ev, nil)
}

// outboundLoop drains the outbound queue, runs C3/C7/C4, and writes frames
// (spec §5). It also writes a tick every tick interval, whether or not
// other frames were sent, so the peer observes liveness from this side too.
func (s *Session) outboundLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.drainOutbound()
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.fw().WriteTick()
			s.writeMu.Unlock()
		case msg := <-s.outbound:
			s.writeOutbound(msg)
		}
	}
}

// drainOutbound flushes whatever is already queued, up to the shutdown
// deadline, then stops (spec §5: "pending outbound frames are flushed with
// a deadline").
func (s *Session) drainOutbound() {
	deadline := time.After(s.shutdownDeadline)
	for {
		select {
		case msg := <-s.outbound:
			s.writeOutbound(msg)
		case <-deadline:
			return
		default:
			return
		}
	}
}

func (s *Session) writeOutbound(msg outboundMessage) {
	encoded, err := EncodeControl(msg.tuple, msg.payload, s.encodeOpts)
	if err != nil {
		s.events.push(nil, err)
		return
	}

	frames := s.splitForFragmentation(encoded)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, f := range frames {
		if err := s.fw().WriteFrame(f); err != nil {
			return
		}
	}
}

// splitForFragmentation splits payload across DFLAG_FRAGMENTS frames when
// it exceeds the negotiated threshold (spec §4.7 send path); otherwise it
// returns the single frame unchanged.
func (s *Session) splitForFragmentation(payload []byte) [][]byte {
	if !s.fragmentsEnabled || len(payload) <= s.fragmentThreshold {
		return [][]byte{payload}
	}

	seq := s.nextSeq()
	chunkSize := s.fragmentThreshold
	total := (len(payload) + chunkSize - 1) / chunkSize
	frames := make([][]byte, 0, total)

	offset := 0
	for i := 0; i < total; i++ {
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		fragID := uint64(total - i)
		header := encodeFragmentHeader(seq, fragID)
		frames = append(frames, append(header, payload[offset:end]...))
		offset = end
	}
	return frames
}

func (s *Session) nextSeq() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.nextSequence++
	return s.nextSequence
}
