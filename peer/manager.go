package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/joaovictorsl/gorkpool"

	"github.com/haldis-io/torrentcore/piece"
	"github.com/haldis-io/torrentcore/stats"
	"github.com/haldis-io/torrentcore/swarm"
	"github.com/haldis-io/torrentcore/wire"
)

const (
	connTimeout = 120 * time.Second
	maxPeers    = 100
)

// task is never populated; the manager schedules whole connections on
// the pool rather than discrete work items pulled from a shared
// channel, so every worker's ReceiveTaskChannel is an unused stub.
type task struct{}

type peerWorker struct {
	sess   *Session
	store  *piece.Store
	onDone func(id string)
}

func (w *peerWorker) Process() {
	defer w.onDone(w.sess.ID)
	w.sess.Run(w.store)
}

func (w *peerWorker) ReceiveTaskChannel(ch chan task) {}
func (w *peerWorker) SignalRemoval()                  {}

// Manager owns every live peer session for one torrent: it accepts or
// dials connections, handshakes them, schedules one gorkpool task per
// connection, wires each session's availability and culprit hooks
// back into the swarm, and answers the choke algorithm's queries.
type Manager struct {
	mu          sync.RWMutex
	pool        *gorkpool.UnboundedGorkPool[task]
	store       *piece.Store
	stats       stats.Stats
	bus         *swarm.Bus
	infoHash    [20]byte
	peerID      [20]byte
	sessions    map[string]*Session
	bannedPeers mapset.Set
}

// NewManager builds a Manager backed by an unbounded gorkpool capped
// at maxPeers concurrent connections. infoHash and peerID are sent in
// this client's half of every connection's handshake and used to
// verify the peer's half. Every session's newly-available pieces are
// published to bus rather than broadcast inline, so a slow or blocked
// peer write never stalls the session reporting them; this Manager
// itself subscribes to relay announcements into per-peer Have sends
// (see broadcastLoop).
func NewManager(ctx context.Context, store *piece.Store, st stats.Stats, bus *swarm.Bus, infoHash, peerID [20]byte) *Manager {
	m := &Manager{
		pool:        gorkpool.NewUnboundedGorkPool[task](ctx, maxPeers),
		store:       store,
		stats:       st,
		bus:         bus,
		infoHash:    infoHash,
		peerID:      peerID,
		sessions:    make(map[string]*Session),
		bannedPeers: mapset.NewSet(),
	}
	go m.broadcastLoop(ctx)
	return m
}

// handshake wraps conn as a Wire and exchanges the 68-byte BitTorrent
// preamble over it, rejecting a peer that doesn't speak the same
// protocol or serve the same torrent, and returns the Fast/DHT
// extension bits it negotiated (spec §6 handshake, BEP-6 reserved-byte
// extensions).
func (m *Manager) handshake(conn net.Conn) (w wire.Wire, fast, dht bool, err error) {
	w = wire.New(conn, connTimeout)
	if err := w.SendHandshake(m.infoHash, m.peerID); err != nil {
		return nil, false, false, err
	}
	hs, err := w.ReadHandshake()
	if err != nil {
		return nil, false, false, err
	}
	if hs.Len != 19 || string(hs.Protocol[:]) != wire.ProtocolString {
		return nil, false, false, fmt.Errorf("peer: unrecognized handshake protocol")
	}
	if hs.InfoHash != m.infoHash {
		return nil, false, false, fmt.Errorf("peer: info_hash mismatch")
	}
	fast, dht = ParseExtensions(hs.Reserved)
	return w, fast, dht, nil
}

// broadcastLoop relays every bus announcement into Have sends on the
// sessions live at delivery time. It runs off m.mu entirely: the have
// broadcast for one announcement never blocks Subscribe/Announce or
// AddPeer/RemovePeer on another.
func (m *Manager) broadcastLoop(ctx context.Context) {
	ch := m.bus.Subscribe()
	defer m.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ann := <-ch:
			for _, idx := range ann.Indices {
				m.BroadcastHave(idx)
			}
		}
	}
}

// BanPeers merges peers into the banned set; already-connected members
// are left to the next handshake/reconnect attempt to reject, matching
// the teacher's lazy-eviction approach.
func (m *Manager) BanPeers(peers mapset.Set) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bannedPeers = m.bannedPeers.Union(peers)
}

// BroadcastHave notifies every connected session that pieceIndex
// completed. Sessions are snapshotted under the lock and released
// before any wire write, so a peer whose write blocks up to the
// wire's timeout cannot stall AddPeer or RemovePeer for every other
// connection.
func (m *Manager) BroadcastHave(pieceIndex int) {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		targets = append(targets, sess)
	}
	m.mu.RUnlock()

	for _, sess := range targets {
		sess.SendHave(pieceIndex)
	}
}

// GetPeerList snapshots the connected sessions.
func (m *Manager) GetPeerList() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// blocked reports whether id must not be admitted, without holding
// the lock across the handshake's network I/O.
func (m *Manager) blocked(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.bannedPeers.Contains(id) {
		return true
	}
	if _, ok := m.sessions[id]; ok {
		return true
	}
	return len(m.sessions) >= maxPeers
}

// register admits sess under id, re-checking the same admission rules
// blocked did before the handshake — a ban or a race with another
// connection from id may have landed while it was in flight.
func (m *Manager) register(id string, sess *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bannedPeers.Contains(id) {
		return false
	}
	if _, ok := m.sessions[id]; ok {
		return false
	}
	if len(m.sessions) >= maxPeers {
		return false
	}
	m.sessions[id] = sess
	return true
}

// AddPeer handshakes conn, wraps it as a Session, and schedules its
// default event loop on the pool, unless id is banned, already
// connected, the connection cap is reached, or the handshake fails.
func (m *Manager) AddPeer(id string, conn net.Conn) {
	if m.blocked(id) {
		conn.Close()
		return
	}

	w, fast, dht, err := m.handshake(conn)
	if err != nil {
		conn.Close()
		return
	}

	sess := NewSession(id, w, m.store, m.stats)
	sess.SetExtensions(fast, dht)
	sess.OnCulprits = m.BanPeers
	sess.OnAvailable = func(bf Bitfield) {
		m.bus.Announce(swarm.Announcement{SessionID: id, Indices: bf.Indices()})
	}

	if !m.register(id, sess) {
		w.Close()
		return
	}

	m.pool.AddWorker(&peerWorker{sess: sess, store: m.store, onDone: m.RemovePeer})
}

// RemovePeer drops id's session and closes its connection; it is the
// onDone hook every peerWorker calls when its Process returns.
func (m *Manager) RemovePeer(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if m.stats != nil {
		m.stats.RemovePeer(id)
	}
	if ok {
		sess.Close()
	}
}

// StopPeers closes every connected session, e.g. on graceful shutdown.
func (m *Manager) StopPeers() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sess := range m.sessions {
		sess.Close()
	}
}

