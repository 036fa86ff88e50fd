package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/haldis-io/torrentcore/stats"
	"github.com/haldis-io/torrentcore/wire"
)

// mockWire only overrides the two calls a choke round can make;
// everything else falls back to the embedded nil Wire and would
// panic if round() ever called it, catching scope creep in the test.
type mockWire struct {
	mock.Mock
	wire.Wire
}

func (m *mockWire) SendUnchoke() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockWire) SendChoke() error {
	args := m.Called()
	return args.Error(0)
}

type fakeStats struct{ rates map[string]stats.PeerStat }

func (f *fakeStats) TrackerCounters() (int64, int64, int64) { return 0, 0, 0 }
func (f *fakeStats) SetLeft(int64)                          {}
func (f *fakeStats) UpdatePeer(id string, up, down int)     {}
func (f *fakeStats) RemovePeer(id string)                   {}
func (f *fakeStats) Close()                                 {}
func (f *fakeStats) PeerStats() map[string]stats.PeerStat   { return f.rates }

func sessionWithWire(id string, w wire.Wire, peerInterested, ourChoking bool) *Session {
	return &Session{
		ID:           id,
		w:            w,
		ourChoking:   ourChoking,
		peerChoking:  true,
		ourInterest:  true,
		peerInterest: peerInterested,
		peerBF:       NewBitfield(1),
	}
}

func TestChokeRoundUnchokesFastestDownloadersAndChokesTheRest(t *testing.T) {
	w1 := &mockWire{}
	w1.On("SendUnchoke").Return(nil)
	w2 := &mockWire{}
	w3 := &mockWire{}
	w3.On("SendChoke").Return(nil)

	s1 := sessionWithWire("peer1", w1, true, true)   // fastest interested, currently choked
	s2 := sessionWithWire("peer2", w2, true, false)  // slower interested, already unchoked, stays
	s3 := sessionWithWire("peer3", w3, false, false) // uninterested and slow, gets choked

	mgr := &Manager{sessions: map[string]*Session{"peer1": s1, "peer2": s2, "peer3": s3}}
	fs := &fakeStats{rates: map[string]stats.PeerStat{
		"peer1": {DownloadRate: 100},
		"peer2": {DownloadRate: 50},
		"peer3": {DownloadRate: 1},
	}}

	c := NewChoke(mgr, fs, func() bool { return false })
	c.round()

	w1.AssertExpectations(t)
	w3.AssertExpectations(t)
	w2.AssertNotCalled(t, "SendUnchoke")
	w2.AssertNotCalled(t, "SendChoke")
}

func TestChokeRoundTreatsUnresponsivePeerAsSnubbed(t *testing.T) {
	w := &mockWire{}
	w.On("SendChoke").Return(nil)

	s := sessionWithWire("peer1", w, true, false)
	s.peerChoking = false
	s.lastFragment = time.Now().Add(-2 * snubbedPeriod)

	mgr := &Manager{sessions: map[string]*Session{"peer1": s}}
	fs := &fakeStats{rates: map[string]stats.PeerStat{"peer1": {DownloadRate: 0}}}

	c := NewChoke(mgr, fs, func() bool { return false })
	c.round()

	w.AssertExpectations(t)
}
