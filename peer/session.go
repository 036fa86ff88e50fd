// Package peer implements the event-driven translator between the
// wire-level peer protocol and the three-event abstract interface
// (Available, Want, Fragment) that drives piece selection.
package peer

import (
	"fmt"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"

	"github.com/haldis-io/torrentcore/piece"
	"github.com/haldis-io/torrentcore/stats"
	"github.com/haldis-io/torrentcore/wire"
)

// Event is the tagged union of semantic events flowing between a
// Session and its client: Available (new pieces this peer can
// serve), Want (a block the peer requested from us), and Fragment (a
// block the peer sent us). The same three variants are used both for
// inbound signals from AwaitEvent and outbound intents to YieldEvent
// — direction, not type, decides the meaning.
type Event interface{ isEvent() }

// AvailableEvent carries pieces that became reachable through this
// session, either because the peer just offered them or because we
// intend to advertise our own newly completed pieces upward.
type AvailableEvent struct{ Bitfield Bitfield }

// WantEvent names a block: inbound, the peer is requesting it from
// us; outbound, we are requesting it from the peer.
type WantEvent struct{ Block piece.BlockIx }

// FragmentEvent carries block bytes: inbound, the peer sent them to
// us; outbound, we intend to send them to the peer.
type FragmentEvent struct{ Block piece.Block }

func (AvailableEvent) isEvent() {}
func (WantEvent) isEvent()      {}
func (FragmentEvent) isEvent()  {}

// DisconnectedError terminates a peer task on socket EOF or error.
type DisconnectedError struct{ Cause error }

func (e *DisconnectedError) Error() string { return fmt.Sprintf("peer disconnected: %v", e.Cause) }
func (e *DisconnectedError) Unwrap() error { return e.Cause }

// ProtocolError terminates a peer task for a spec violation: a
// required extension missing, or a malformed payload.
type ProtocolError struct{ Doc string }

func (e *ProtocolError) Error() string { return "peer protocol error: " + e.Doc }

// ClientBitfieldSource supplies the session with a fresh snapshot of
// the pieces we have completed, so client_offer/client_want always
// reflect the piece store's current state rather than a stale copy
// taken at connect time.
type ClientBitfieldSource interface {
	ClientBitfield() bitmap.Bitmap
	NumPieces() int
}

// Session is per-connection protocol state: choke/interest flags,
// the peer's bitfield, enabled extensions, and a queue of outgoing
// messages pending flush (spec §3 Peer Session State).
type Session struct {
	ID    string
	w     wire.Wire
	src   ClientBitfieldSource
	stats stats.Stats

	mu           sync.Mutex
	peerBF       Bitfield
	ourChoking   bool
	peerChoking  bool
	ourInterest  bool
	peerInterest bool
	extFast      bool
	extDHT       bool
	outq         []func() error
	lastFragment time.Time

	// OnAvailable is invoked (no wire I/O) when this session learns
	// of newly available pieces — the hook the outer swarm uses to
	// broadcast the update to other sessions (spec §6 availability
	// bus, spec §5 "serialised through a shared atomic channel").
	OnAvailable func(Bitfield)
	// OnCulprits is invoked with the sessions responsible for a
	// piece that failed its checksum, letting the peer manager ban
	// them (mirrors the teacher's rarestFirst.WriteBlock contract).
	OnCulprits func(mapset.Set)
}

// NewSession wraps w as a peer connection's protocol state machine.
// Both choke flags start true, per spec §3's initial state, until a
// choke algorithm or the peer's own messages change them. st records
// the block traffic this session moves, so the choke algorithm's
// tit-for-tat ranking has real upload/download rates to compare.
func NewSession(id string, w wire.Wire, src ClientBitfieldSource, st stats.Stats) *Session {
	return &Session{
		ID:          id,
		w:           w,
		src:         src,
		stats:       st,
		peerBF:      NewBitfield(src.NumPieces()),
		ourChoking:  true,
		peerChoking: true,
	}
}

// SetExtensions records which BEP extensions this connection
// negotiated, decoded from the handshake reserved bytes.
func (p *Session) SetExtensions(fast, dht bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extFast = fast
	p.extDHT = dht
}

// ParseExtensions decodes the reserved handshake bytes for the Fast
// (BEP-6) and DHT (BEP-5) extension bits.
func ParseExtensions(reserved [8]byte) (fast, dht bool) {
	return reserved[7]&0x04 != 0, reserved[7]&0x01 != 0
}

// SendInitialBitfield sends our current bitfield, the first message
// spec §4.D's default event loop requires.
func (p *Session) SendInitialBitfield() error {
	return p.w.SendBitfield(p.clientBF().Bytes())
}

// SendChoke and SendUnchoke let an external choke algorithm change
// our choking of this peer; they are not part of the Available/Want/
// Fragment vocabulary since they carry no piece-selection meaning.
func (p *Session) SendChoke() error {
	p.mu.Lock()
	p.ourChoking = true
	p.mu.Unlock()
	return p.w.SendChoke()
}

func (p *Session) SendUnchoke() error {
	p.mu.Lock()
	p.ourChoking = false
	p.mu.Unlock()
	return p.w.SendUnchoke()
}

// State snapshots the four choke/interest flags for the choke
// algorithm and diagnostics.
func (p *Session) State() (ourChoking, ourInterest, peerChoking, peerInterest bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ourChoking, p.ourInterest, p.peerChoking, p.peerInterest
}

// LastFragment reports when this session last received block data,
// the choke algorithm's snubbed-peer signal.
func (p *Session) LastFragment() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFragment
}

// LastMessageSent reports when the wire last wrote a message.
func (p *Session) LastMessageSent() time.Time { return p.w.LastMessageSent() }

// SendHave lets the owning manager broadcast a newly completed piece
// to this connection directly, outside the Available/Want/Fragment
// vocabulary (spec §6's availability bus fans out this way).
func (p *Session) SendHave(pieceIndex int) error { return p.w.SendHave(pieceIndex) }

// Close tears down the underlying wire.
func (p *Session) Close() error { return p.w.Close() }

func (p *Session) clientBF() Bitfield {
	return BitfieldFromBytes(p.src.NumPieces(), []byte(p.src.ClientBitfield()))
}

// peerWant is the pieces we have that the peer doesn't (client_bf \ peer_bf).
func (p *Session) peerWant() Bitfield {
	return p.clientBF().Difference(p.peerBF)
}

// clientWant is the pieces the peer has that we don't (peer_bf \ client_bf).
func (p *Session) clientWant() Bitfield {
	return p.peerBF.Difference(p.clientBF())
}

// clientOffer is what we would serve the peer, gated by whether we
// are currently unchoking them.
func (p *Session) clientOffer() Bitfield {
	if p.ourChoking {
		return NewBitfield(p.src.NumPieces())
	}
	return p.peerWant()
}

// peerOffer is what the peer would serve us, gated by whether they
// are currently unchoking us.
func (p *Session) peerOffer() Bitfield {
	if p.peerChoking {
		return NewBitfield(p.src.NumPieces())
	}
	return p.clientWant()
}

// revise re-evaluates client_want and, if our interest changed,
// queues an Interested/NotInterested message.
func (p *Session) revise() {
	interested := !p.clientWant().IsEmpty()
	if interested != p.ourInterest {
		p.ourInterest = interested
		if interested {
			p.queueLocked(p.w.SendInterested)
		} else {
			p.queueLocked(p.w.SendNotInterested)
		}
	}
}

func (p *Session) queueLocked(fn func() error) {
	p.outq = append(p.outq, fn)
}

// flush drains and runs every queued outgoing message, in the order
// they were queued, stopping at the first error.
func (p *Session) flush() error {
	p.mu.Lock()
	q := p.outq
	p.outq = nil
	p.mu.Unlock()

	for _, fn := range q {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// AwaitEvent reads frames until one produces a semantic event, per
// the table in spec §4.D.
func (p *Session) AwaitEvent() (Event, error) {
	for {
		f, err := p.w.ReadFrame()
		if err != nil {
			return nil, &DisconnectedError{Cause: err}
		}

		switch f.ID {
		case -1: // KeepAlive
			continue

		case wire.Choke:
			p.mu.Lock()
			p.peerChoking = true
			p.mu.Unlock()

		case wire.Unchoke:
			p.mu.Lock()
			p.peerChoking = false
			offer := p.peerOfferLocked()
			p.mu.Unlock()
			if !offer.IsEmpty() {
				return AvailableEvent{Bitfield: offer}, nil
			}

		case wire.Interested:
			p.mu.Lock()
			p.peerInterest = true
			p.mu.Unlock()

		case wire.NotInterested:
			p.mu.Lock()
			p.peerInterest = false
			p.mu.Unlock()

		case wire.Have:
			idx, err := wire.ParseIndexPayload(f.Payload)
			if err != nil {
				return nil, &ProtocolError{Doc: "malformed Have payload"}
			}
			p.mu.Lock()
			p.peerBF.Set(idx, true)
			p.revise()
			offer := p.peerOfferLocked()
			p.mu.Unlock()
			if err := p.flush(); err != nil {
				return nil, err
			}
			if !offer.IsEmpty() {
				return AvailableEvent{Bitfield: offer}, nil
			}

		case wire.Bitfield:
			p.mu.Lock()
			p.peerBF = BitfieldFromBytes(p.src.NumPieces(), f.Payload)
			p.revise()
			offer := p.peerOfferLocked()
			p.mu.Unlock()
			if err := p.flush(); err != nil {
				return nil, err
			}
			if !offer.IsEmpty() {
				return AvailableEvent{Bitfield: offer}, nil
			}

		case wire.Request:
			pieceIndex, begin, length, err := wire.ParseRequestPayload(f.Payload)
			if err != nil {
				return nil, &ProtocolError{Doc: "malformed Request payload"}
			}
			p.mu.Lock()
			offer := p.clientOfferLocked()
			p.mu.Unlock()
			if offer.Has(pieceIndex) {
				return WantEvent{Block: piece.BlockIx{PieceIndex: pieceIndex, Offset: begin, Length: length}}, nil
			}

		case wire.Piece:
			pieceIndex, begin, block, err := wire.ParsePiecePayload(f.Payload)
			if err != nil {
				return nil, &ProtocolError{Doc: "malformed Piece payload"}
			}
			p.mu.Lock()
			want := p.clientWant()
			p.mu.Unlock()
			if want.Has(pieceIndex) {
				return FragmentEvent{Block: piece.Block{PieceIndex: pieceIndex, Offset: begin, Data: block, Origin: p.ID}}, nil
			}

		case wire.HaveAll:
			p.mu.Lock()
			fast := p.extFast
			p.mu.Unlock()
			if !fast {
				return nil, &ProtocolError{Doc: "Fast not enabled"}
			}
			p.mu.Lock()
			p.peerBF = allSet(p.src.NumPieces())
			p.revise()
			p.mu.Unlock()
			if err := p.flush(); err != nil {
				return nil, err
			}

		case wire.HaveNone:
			p.mu.Lock()
			fast := p.extFast
			p.mu.Unlock()
			if !fast {
				return nil, &ProtocolError{Doc: "Fast not enabled"}
			}
			p.mu.Lock()
			p.peerBF = NewBitfield(p.src.NumPieces())
			p.revise()
			p.mu.Unlock()
			if err := p.flush(); err != nil {
				return nil, err
			}

		case wire.SuggestPiece:
			p.mu.Lock()
			fast := p.extFast
			p.mu.Unlock()
			if !fast {
				return nil, &ProtocolError{Doc: "Fast not enabled"}
			}
			idx, err := wire.ParseIndexPayload(f.Payload)
			if err != nil {
				return nil, &ProtocolError{Doc: "malformed SuggestPiece payload"}
			}
			p.mu.Lock()
			has := p.peerBF.Has(idx)
			p.mu.Unlock()
			if !has {
				return AvailableEvent{Bitfield: FromSet(p.src.NumPieces(), idx)}, nil
			}

		case wire.RejectRequest, wire.AllowedFast:
			p.mu.Lock()
			fast := p.extFast
			p.mu.Unlock()
			if !fast {
				return nil, &ProtocolError{Doc: "Fast not enabled"}
			}
			// recognized, no-op.

		case wire.Cancel, wire.Port:
			// not implemented; recognized and discarded (spec §9).

		default:
			// unknown message id: ignore rather than kill the
			// connection, matching the teacher's PORT/DHT stub.
		}
	}
}

func (p *Session) peerOfferLocked() Bitfield {
	if p.peerChoking {
		return NewBitfield(p.src.NumPieces())
	}
	return p.peerBF.Difference(p.clientBF())
}

func (p *Session) clientOfferLocked() Bitfield {
	if p.ourChoking {
		return NewBitfield(p.src.NumPieces())
	}
	return p.clientBF().Difference(p.peerBF)
}

func allSet(n int) Bitfield {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return FromSet(n, indices...)
}

// YieldEvent applies the outbound meaning of ev (spec §4.D
// yield_event contract) and flushes any messages it queues.
func (p *Session) YieldEvent(ev Event) error {
	switch e := ev.(type) {
	case AvailableEvent:
		if p.OnAvailable != nil {
			p.OnAvailable(e.Bitfield)
		}

	case WantEvent:
		p.mu.Lock()
		offer := p.peerOfferLocked()
		p.mu.Unlock()
		if offer.Has(e.Block.PieceIndex) {
			b := e.Block
			p.mu.Lock()
			p.queueLocked(func() error { return p.w.SendRequest(b.PieceIndex, b.Offset, b.Length) })
			p.mu.Unlock()
		}

	case FragmentEvent:
		p.mu.Lock()
		offer := p.clientOfferLocked()
		p.mu.Unlock()
		if offer.Has(e.Block.PieceIndex) {
			b := e.Block
			p.mu.Lock()
			p.queueLocked(func() error { return p.w.SendPiece(b.PieceIndex, b.Offset, b.Data) })
			p.mu.Unlock()
		}
	}
	return p.flush()
}

// Run is the default event loop, p2p(storage) from spec §4.D: send
// our bitfield, then forever dispatch AwaitEvent results through
// store, driving the piece-selection loop without exposing wire
// details to it.
func (p *Session) Run(store *piece.Store) error {
	if err := p.SendInitialBitfield(); err != nil {
		return err
	}
	for {
		ev, err := p.AwaitEvent()
		if err != nil {
			return err
		}
		if err := p.dispatchDefault(ev, store); err != nil {
			return err
		}
	}
}

func (p *Session) dispatchDefault(ev Event, store *piece.Store) error {
	switch e := ev.(type) {
	case AvailableEvent:
		idx, ok := e.Bitfield.Min()
		if !ok {
			return nil
		}
		for _, b := range store.SelectBlock(idx) {
			if err := p.YieldEvent(WantEvent{Block: b}); err != nil {
				return err
			}
		}

	case WantEvent:
		data, err := store.GetBlock(e.Block.PieceIndex, e.Block.Offset, e.Block.Length)
		if err != nil {
			return err
		}
		frag := piece.Block{PieceIndex: e.Block.PieceIndex, Offset: e.Block.Offset, Data: data, Origin: p.ID}
		if err := p.YieldEvent(FragmentEvent{Block: frag}); err != nil {
			return err
		}
		if p.stats != nil {
			p.stats.UpdatePeer(p.ID, len(data), 0)
		}

	case FragmentEvent:
		p.mu.Lock()
		p.lastFragment = time.Now()
		p.mu.Unlock()
		if p.stats != nil {
			p.stats.UpdatePeer(p.ID, 0, len(e.Block.Data))
		}

		completed, culprits, err := store.PutBlock(e.Block)
		if err != nil {
			return err
		}
		if culprits != nil && p.OnCulprits != nil {
			p.OnCulprits(culprits)
		}
		if completed {
			if err := p.YieldEvent(AvailableEvent{Bitfield: FromSet(p.src.NumPieces(), e.Block.PieceIndex)}); err != nil {
				return err
			}
			p.mu.Lock()
			offer := p.peerOfferLocked()
			p.mu.Unlock()
			if !offer.IsEmpty() {
				return p.dispatchDefault(AvailableEvent{Bitfield: offer}, store)
			}
		}
	}
	return nil
}
