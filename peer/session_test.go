package peer

import (
	"crypto/sha1"
	"net"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldis-io/torrentcore/piece"
	"github.com/haldis-io/torrentcore/storage"
	"github.com/haldis-io/torrentcore/wire"
)

// fakeSource lets session tests control the client bitfield directly,
// without needing a real piece.Store.
type fakeSource struct {
	n  int
	bf bitmap.Bitmap
}

func newFakeSource(n int, have ...int) *fakeSource {
	bm := bitmap.New(n)
	for _, i := range have {
		bm.Set(i, true)
	}
	return &fakeSource{n: n, bf: bm}
}

func (f *fakeSource) NumPieces() int                { return f.n }
func (f *fakeSource) ClientBitfield() bitmap.Bitmap { return bitmap.Bitmap(f.bf.Data(true)) }

func wirePipe() (wire.Wire, wire.Wire) {
	a, b := net.Pipe()
	return wire.New(a, time.Second), wire.New(b, time.Second)
}

// drain discards frames arriving on w until the pipe closes, so a
// session's own outgoing messages (e.g. Interested queued by revise)
// never block on an unread net.Pipe write.
func drain(w wire.Wire) {
	for {
		if _, err := w.ReadFrame(); err != nil {
			return
		}
	}
}

func TestSessionUnchokeYieldsAvailable(t *testing.T) {
	clientW, peerW := wirePipe()
	defer clientW.Close()
	defer peerW.Close()
	go drain(peerW)

	src := newFakeSource(4, 0, 1) // we have pieces 0, 1
	sess := NewSession("peerA", clientW, src, nil)
	sess.SetExtensions(false, false)

	// simulate the remote peer announcing pieces 2 and 3, then unchoking.
	go func() {
		peerW.SendBitfield(bitmap.New(4).Data(true))
		peerW.SendHave(2)
		peerW.SendHave(3)
		peerW.SendUnchoke()
	}()

	var ev Event
	var err error
	for i := 0; i < 4; i++ {
		ev, err = sess.AwaitEvent()
		require.NoError(t, err)
		if _, ok := ev.(AvailableEvent); ok {
			break
		}
	}
	avail, ok := ev.(AvailableEvent)
	require.True(t, ok)
	assert.ElementsMatch(t, []int{2, 3}, avail.Bitfield.Indices())
}

func TestSessionRequestYieldsWantWhenOffered(t *testing.T) {
	clientW, peerW := wirePipe()
	defer clientW.Close()
	defer peerW.Close()
	go drain(peerW)

	src := newFakeSource(2, 0) // we have piece 0, peer doesn't (empty peer bf)
	sess := NewSession("peerB", clientW, src, nil)
	require.NoError(t, sess.SendUnchoke()) // we must be unchoking to serve

	go peerW.SendRequest(0, 0, 100)

	ev, err := sess.AwaitEvent()
	require.NoError(t, err)
	want, ok := ev.(WantEvent)
	require.True(t, ok)
	assert.Equal(t, 0, want.Block.PieceIndex)
}

func TestSessionRequestIgnoredWhileChoking(t *testing.T) {
	clientW, peerW := wirePipe()
	defer clientW.Close()
	defer peerW.Close()
	go drain(peerW)

	src := newFakeSource(2, 0)
	sess := NewSession("peerC", clientW, src, nil) // ourChoking defaults true

	go peerW.SendRequest(0, 0, 100)
	// a Have for a piece we don't have never turns into an Available
	// event either; its arrival after the ignored Request confirms
	// AwaitEvent kept looping past the Request instead of surfacing it.
	go func() {
		time.Sleep(20 * time.Millisecond)
		peerW.SendHave(1)
	}()

	done := make(chan Event, 1)
	go func() {
		ev, err := sess.AwaitEvent()
		require.NoError(t, err)
		done <- ev
	}()

	select {
	case ev := <-done:
		t.Fatalf("expected AwaitEvent to keep blocking, got %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionFastExtensionRejectedWhenNotNegotiated(t *testing.T) {
	clientW, peerW := wirePipe()
	defer clientW.Close()
	defer peerW.Close()

	src := newFakeSource(2)
	sess := NewSession("peerD", clientW, src, nil)

	go peerW.SendHaveAll()

	_, err := sess.AwaitEvent()
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestSessionYieldWantSendsRequestOnlyWhenPeerOffers(t *testing.T) {
	clientW, peerW := wirePipe()
	defer clientW.Close()
	defer peerW.Close()

	src := newFakeSource(2)
	sess := NewSession("peerE", clientW, src, nil)

	// the peer has not unchoked us: peerChoking stays true, so
	// peerOffer is empty and no Request frame should be produced.
	err := sess.YieldEvent(WantEvent{Block: piece.BlockIx{PieceIndex: 0, Offset: 0, Length: 10}})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		peerW.ReadFrame()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("no request should have been sent while peer is choking us")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestSessionDefaultLoopFragmentCompletesPieceAndAdvances(t *testing.T) {
	fs := afero.NewOsFs()
	dir := t.TempDir()
	path := dir + "/content"
	f, err := fs.OpenFile(path, 0x2|0x40, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(2*piece.BlockSize)))
	require.NoError(t, f.Close())

	m, err := storage.Open(fs, []storage.FileEntry{{Path: path, ExpectedSize: int64(2 * piece.BlockSize)}}, storage.ReadWrite)
	require.NoError(t, err)
	defer m.Close()

	data := make([]byte, piece.BlockSize)
	hash := sha1.Sum(data)
	store, err := piece.NewStore(m, int64(piece.BlockSize), [][20]byte{hash, hash})
	require.NoError(t, err)

	clientW, peerW := wirePipe()
	defer clientW.Close()
	defer peerW.Close()
	go drain(peerW)

	sess := NewSession("peerF", clientW, store, nil)
	require.NoError(t, sess.SendUnchoke())

	var availSeen []int
	sess.OnAvailable = func(bf Bitfield) { availSeen = append(availSeen, bf.Indices()...) }

	err = sess.dispatchDefault(FragmentEvent{Block: piece.Block{PieceIndex: 0, Offset: 0, Data: data, Origin: "peerF"}}, store)
	require.NoError(t, err)
	assert.Contains(t, availSeen, 0)
}

