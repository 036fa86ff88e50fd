package peer

import (
	"math/rand"
	"sort"
	"time"

	"github.com/haldis-io/torrentcore/stats"
)

const (
	snubbedPeriod = 60 * time.Second

	// ChokeInterval is how often a choke round runs; stats.Stats should
	// be built with a matching sample interval so a peer's rate moves
	// exactly once per round it's judged on.
	ChokeInterval  = 10 * time.Second
	numDownloaders = 4
)

// peerRank is a session's tit-for-tat standing for one choke round.
type peerRank struct {
	sess          *Session
	speed         int
	interested    bool
	snubbed       bool
	shouldUnchoke bool
}

// Choke runs the tit-for-tat unchoke algorithm on a ticker, unchoking
// the fastest uploaders/downloaders plus one optimistic pick each
// round (spec §5's "peer manager" choke algorithm, unmodified from the
// classic BitTorrent policy).
type Choke struct {
	manager *Manager
	stats   stats.Stats
	seeding func() bool
	quit    chan struct{}
}

// NewChoke builds a Choke that reads peer rates from st and decides
// choke/unchoke via mgr. seeding reports whether the client currently
// has the complete torrent, which flips the ranking metric from
// download rate to upload rate.
func NewChoke(mgr *Manager, st stats.Stats, seeding func() bool) *Choke {
	return &Choke{manager: mgr, stats: st, seeding: seeding, quit: make(chan struct{})}
}

// Start runs the choke round every ChokeInterval until Stop is called.
func (c *Choke) Start() {
	ticker := time.NewTicker(ChokeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.round()
		}
	}
}

// Stop ends the ticker loop; safe to call once.
func (c *Choke) Stop() { close(c.quit) }

func (c *Choke) round() {
	sessions := c.manager.GetPeerList()
	peerStats := c.stats.PeerStats()
	seeding := c.seeding()

	ranks := make([]*peerRank, 0, len(sessions))
	for _, sess := range sessions {
		_, ourInterest, peerChoking, peerInterest := sess.State()
		r := &peerRank{sess: sess, interested: peerInterest}
		if ps, ok := peerStats[sess.ID]; ok {
			if seeding {
				r.speed = ps.UploadRate
			} else {
				r.speed = ps.DownloadRate
			}
		}
		if ourInterest && !peerChoking && time.Since(sess.LastFragment()) > snubbedPeriod {
			r.snubbed = true
			r.interested = false
		}
		ranks = append(ranks, r)
	}

	interested, notInterested := partition(ranks)
	sortBySpeed(interested)
	sortBySpeed(notInterested)

	speedThreshold := 0
	for i := 0; i < len(interested) && i < numDownloaders-1; i++ {
		interested[i].shouldUnchoke = true
		speedThreshold = interested[i].speed
	}
	for i := 0; i < len(notInterested) && notInterested[i].speed > speedThreshold; i++ {
		notInterested[i].shouldUnchoke = true
	}

	// optimistically unchoke one interested peer outside the regular
	// slots, so newcomers with no measured rate yet get a chance.
	if len(interested) > numDownloaders-1 {
		rest := append([]*peerRank{}, interested[numDownloaders-1:]...)
		rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
		for _, r := range rest {
			if r.interested {
				r.shouldUnchoke = true
				break
			}
		}
	}

	for _, r := range ranks {
		ourChoking, _, _, _ := r.sess.State()
		if r.shouldUnchoke && ourChoking {
			r.sess.SendUnchoke()
		}
		if !r.shouldUnchoke && !ourChoking {
			r.sess.SendChoke()
		}
	}
}

func partition(ranks []*peerRank) (interested, notInterested []*peerRank) {
	for _, r := range ranks {
		if r.interested {
			interested = append(interested, r)
		} else {
			notInterested = append(notInterested, r)
		}
	}
	return
}

func sortBySpeed(ranks []*peerRank) {
	sort.Slice(ranks, func(i, j int) bool { return ranks[i].speed > ranks[j].speed })
}
