// Package swarm fans piece availability out to every subscriber
// interested in a torrent's progress, serialized through a shared
// channel the way the teacher serializes writes through disk.jobs.
package swarm

// Announcement is one session's contribution to the swarm's known
// availability: the piece indices it just made available. Indices
// rather than a peer.Bitfield so this package stays free of a
// dependency on the peer package, which imports swarm to publish here.
type Announcement struct {
	SessionID string
	Indices   []int
}

// Bus fans out Announce calls to every Subscribe-d channel. The zero
// value is not usable; use NewBus.
type Bus struct {
	sub    chan chan Announcement
	unsub  chan chan Announcement
	events chan Announcement
	quit   chan struct{}
}

// NewBus starts the bus's dispatch goroutine.
func NewBus() *Bus {
	b := &Bus{
		sub:    make(chan chan Announcement),
		unsub:  make(chan chan Announcement),
		events: make(chan Announcement, 64),
		quit:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	subscribers := make(map[chan Announcement]struct{})
	for {
		select {
		case <-b.quit:
			return
		case ch := <-b.sub:
			subscribers[ch] = struct{}{}
		case ch := <-b.unsub:
			delete(subscribers, ch)
		case ev := <-b.events:
			for ch := range subscribers {
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}

// Subscribe returns a channel that receives future Announces; an
// announcement that arrives while the channel's 16-slot buffer is full
// is dropped for that subscriber. Call Unsubscribe with the same
// channel to stop receiving them.
func (b *Bus) Subscribe() chan Announcement {
	ch := make(chan Announcement, 16)
	b.sub <- ch
	return ch
}

// Unsubscribe stops ch from receiving further announcements.
func (b *Bus) Unsubscribe(ch chan Announcement) {
	b.unsub <- ch
}

// Announce publishes a as available to every current subscriber whose
// channel has room for it.
func (b *Bus) Announce(a Announcement) {
	b.events <- a
}

// Close stops the dispatch goroutine. Subsequent Subscribe/Unsubscribe
// calls block forever, and Announce blocks once the 64-slot event
// buffer fills; callers must not use the bus after Close.
func (b *Bus) Close() { close(b.quit) }
