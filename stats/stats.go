// Package stats tracks upload/download activity for the client and
// each connected peer using a sliding-window rate estimate.
package stats

import (
	"log"
	"sync"
	"time"

	underscore "github.com/ahl5esoft/golang-underscore"
)

// windowSize is the number of past samples averaged into a rate.
const windowSize = 10

// defaultSampleInterval is how often the rolling window advances. It
// matches the choke algorithm's own round interval, since that is the
// only consumer of the rates it produces: a peer's speed only needs to
// move as often as choke decides on it.
const defaultSampleInterval = 10 * time.Second

// Stats accumulates byte counters and periodically reduces them to
// rates; PeerStat is exposed to the choke algorithm and CLI reporting.
type Stats interface {
	TrackerCounters() (uploaded, downloaded, left int64)
	SetLeft(left int64)
	PeerStats() map[string]PeerStat
	UpdatePeer(id string, uploaded, downloaded int)
	RemovePeer(id string)
	Close()
}

type trackerCounters struct {
	totalUpload   int64
	totalDownload int64
	left          int64
}

// clientStats is the aggregate rate across all peers.
type clientStats struct {
	uploadRate       int
	downloadRate     int
	uploadActivity   [windowSize]int
	downloadActivity [windowSize]int
	i                int
}

// PeerStat is a snapshot of one peer's rolling upload/download rate,
// consulted by the choke algorithm's tit-for-tat ranking. It carries
// no mutable state of its own: peerStat below owns that.
type PeerStat struct {
	UploadRate   int
	DownloadRate int
}

type peerStat struct {
	PeerStat
	currentUpload    int
	currentDownload  int
	uploadActivity   [windowSize]int
	downloadActivity [windowSize]int
	i                int
}

// Option configures a Stats at construction, following the same
// functional-options shape as tracker.Manager's Option.
type Option func(*stats)

// WithSampleInterval overrides how often the sliding window advances
// (default 10s, matching peer.Choke's round interval).
func WithSampleInterval(d time.Duration) Option {
	return func(s *stats) { s.sampleInterval = d }
}

type stats struct {
	mu sync.Mutex

	tracker   trackerCounters
	client    clientStats
	peerStats map[string]*peerStat

	sampleInterval time.Duration
	quit           chan struct{}
}

// New builds a Stats seeded with the tracker's initial byte counters
// and starts its background sampling loop.
func New(uploaded, downloaded, left int64, opts ...Option) Stats {
	s := &stats{
		tracker:        trackerCounters{totalUpload: uploaded, totalDownload: downloaded, left: left},
		peerStats:      make(map[string]*peerStat),
		sampleInterval: defaultSampleInterval,
		quit:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

func (s *stats) TrackerCounters() (int64, int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.totalUpload, s.tracker.totalDownload, s.tracker.left
}

// SetLeft replaces the bytes-remaining counter that TrackerCounters
// reports. Nothing in this module calls it as pieces complete, so the
// counter keeps the value New was given unless a caller sets it.
func (s *stats) SetLeft(left int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.left = left
}

func (s *stats) UpdatePeer(id string, uploaded, downloaded int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.peerStats[id]
	if !ok {
		ps = &peerStat{}
		s.peerStats[id] = ps
	}
	ps.currentUpload += uploaded
	ps.currentDownload += downloaded
}

func (s *stats) RemovePeer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peerStats, id)
}

// PeerStats is a pure read: it returns the rates as of the last
// sample, taking no part in advancing the window. Rotation is driven
// entirely by run's ticker, not by how often or how many callers ask.
func (s *stats) PeerStats() map[string]PeerStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]PeerStat, len(s.peerStats))
	for id, ps := range s.peerStats {
		out[id] = ps.PeerStat
	}
	return out
}

// Close stops the sampling loop. Safe to call once.
func (s *stats) Close() { close(s.quit) }

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

// run folds each sampleInterval's raw byte counts into every peer's
// rolling rate, advances the window, and rolls the totals into the
// tracker counters — the same fold-then-rotate shape as before, just
// invoked on its own clock instead of whichever goroutine last called
// PeerStats.
func (s *stats) run() {
	ticker := time.NewTicker(s.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *stats) sample() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientUpload, clientDownload := 0, 0
	for _, ps := range s.peerStats {
		ps.uploadActivity[ps.i] = ps.currentUpload
		ps.downloadActivity[ps.i] = ps.currentDownload
		underscore.Chain(ps.uploadActivity).Reduce(0, sumReduce).Value(&ps.UploadRate)
		ps.UploadRate /= windowSize
		underscore.Chain(ps.downloadActivity).Reduce(0, sumReduce).Value(&ps.DownloadRate)
		ps.DownloadRate /= windowSize
		ps.i = (ps.i + 1) % windowSize

		clientUpload += ps.currentUpload
		clientDownload += ps.currentDownload
		ps.currentUpload = 0
		ps.currentDownload = 0
	}

	s.client.uploadActivity[s.client.i] = clientUpload
	s.client.downloadActivity[s.client.i] = clientDownload
	underscore.Chain(s.client.uploadActivity).Reduce(0, sumReduce).Value(&s.client.uploadRate)
	s.client.uploadRate /= windowSize
	underscore.Chain(s.client.downloadActivity).Reduce(0, sumReduce).Value(&s.client.downloadRate)
	s.client.downloadRate /= windowSize
	s.client.i = (s.client.i + 1) % windowSize

	s.tracker.totalUpload += int64(clientUpload)
	s.tracker.totalDownload += int64(clientDownload)
	log.Printf("download %d B/s upload %d B/s", s.client.downloadRate, s.client.uploadRate)
}
