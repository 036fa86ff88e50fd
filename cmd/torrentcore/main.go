// Command torrentcore wires the storage, piece, tracker, and peer
// packages into a runnable client: it reads a .torrent file, opens
// the mapped storage layout, announces to the tracker, dials the peers
// it returns, and accepts incoming peer connections. It keeps running
// after every piece is verified, until the process is stopped.
package main

import (
	"context"
	"crypto/rand"
	"log"
	"math/big"
	"net"
	"os"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/spf13/afero"

	"github.com/haldis-io/torrentcore/internal/config"
	"github.com/haldis-io/torrentcore/metainfo"
	"github.com/haldis-io/torrentcore/peer"
	"github.com/haldis-io/torrentcore/piece"
	"github.com/haldis-io/torrentcore/stats"
	"github.com/haldis-io/torrentcore/storage"
	"github.com/haldis-io/torrentcore/swarm"
	"github.com/haldis-io/torrentcore/tracker"
)

func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:8], []byte("-TC0001-"))
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		log.Fatalln(err)
	}
	copy(id[8:], n.Bytes())
	return id
}

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	f, err := os.Open(cfg.TorrentPath)
	if err != nil {
		log.Fatalf("open torrent: %v", err)
	}
	mi, err := metainfo.Decode(f)
	f.Close()
	if err != nil {
		log.Fatalf("decode torrent: %v", err)
	}

	fs := afero.NewOsFs()
	mode := storage.ReadWriteEx
	if cfg.MmapReadOnly {
		mode = storage.ReadOnly
	}
	for i := range mi.Files {
		mi.Files[i].Path = cfg.DownloadDir + "/" + mi.Files[i].Path
	}
	m, err := storage.Open(fs, mi.Files, mode)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer m.Close()

	store, err := piece.NewStore(m, mi.PieceLength, mi.Hashes)
	if err != nil {
		log.Fatalf("open piece store: %v", err)
	}

	peerID := newPeerID()
	st := stats.New(0, 0, mi.TotalLength, stats.WithSampleInterval(peer.ChokeInterval))
	defer st.Close()

	trackerMgr, err := tracker.NewManager()
	if err != nil {
		log.Fatalf("open tracker manager: %v", err)
	}
	defer trackerMgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := swarm.NewBus()
	defer bus.Close()

	peerMgr := peer.NewManager(ctx, store, st, bus, mi.InfoHash, peerID)
	defer peerMgr.StopPeers()

	choke := peer.NewChoke(peerMgr, st, func() bool { return allPiecesComplete(store) })
	go choke.Start()
	defer choke.Stop()

	go announceLoop(ctx, trackerMgr, mi, peerID, cfg, st, peerMgr)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	log.Printf("listening on %s", cfg.ListenAddr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("accept: %v", err)
			continue
		}
		peerMgr.AddPeer(conn.RemoteAddr().String(), conn)
	}
}

func allPiecesComplete(store *piece.Store) bool {
	bf := store.ClientBitfield()
	for i := 0; i < store.NumPieces(); i++ {
		if !bitmap.Get(bf, i) {
			return false
		}
	}
	return true
}

func announceLoop(ctx context.Context, mgr *tracker.Manager, mi *metainfo.Info, peerID [20]byte, cfg config.Config, st stats.Stats, peerMgr *peer.Manager) {
	interval := 30 * time.Second
	for {
		uploaded, downloaded, left := st.TrackerCounters()
		resp, err := mgr.Announce(ctx, mi.Announce, tracker.AnnounceRequest{
			InfoHash:   mi.InfoHash,
			PeerID:     peerID,
			Uploaded:   uploaded,
			Downloaded: downloaded,
			Left:       left,
			NumWant:    int32(cfg.NumWant),
		})
		if err != nil {
			log.Printf("announce: %v", err)
		} else {
			interval = time.Duration(resp.Interval) * time.Second
			for _, addr := range resp.Peers {
				go dialPeer(peerMgr, addr)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func dialPeer(peerMgr *peer.Manager, addr net.TCPAddr) {
	conn, err := net.DialTimeout("tcp", addr.String(), 10*time.Second)
	if err != nil {
		return
	}
	peerMgr.AddPeer(addr.String(), conn)
}
