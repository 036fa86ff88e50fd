package tracker

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTracker is a minimal BEP-15 UDP tracker used to drive Manager
// end-to-end without a real network. Each test starts its own read
// loop on conn to decide how it reacts to the packets it receives.
type fakeTracker struct {
	conn *net.UDPConn
}

func newFakeTracker(t *testing.T) *fakeTracker {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	return &fakeTracker{conn: conn}
}

func (f *fakeTracker) addr() string {
	return "udp://" + f.conn.LocalAddr().String() + "/announce"
}

func (f *fakeTracker) close() { f.conn.Close() }

// serveHappyPath reads requests until conn closes and answers each
// connect/announce with a response that echoes its transaction id.
func (f *fakeTracker) serveHappyPath(t *testing.T) {
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := f.conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			action := int32(binary.BigEndian.Uint32(buf[8:12]))
			txID := int32(binary.BigEndian.Uint32(buf[12:16]))
			switch action {
			case actionConnect:
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], uint32(actionConnect))
				binary.BigEndian.PutUint32(resp[4:8], uint32(txID))
				binary.BigEndian.PutUint64(resp[8:16], 999)
				f.conn.WriteToUDP(resp, addr)
			case actionAnnounce:
				resp := make([]byte, 20)
				binary.BigEndian.PutUint32(resp[0:4], uint32(actionAnnounce))
				binary.BigEndian.PutUint32(resp[4:8], uint32(txID))
				binary.BigEndian.PutUint32(resp[8:12], 1800)
				binary.BigEndian.PutUint32(resp[12:16], 2)
				binary.BigEndian.PutUint32(resp[16:20], 5)
				f.conn.WriteToUDP(resp, addr)
			}
			_ = n
		}
	}()
}

func TestAnnounceHappyPath(t *testing.T) {
	ft := newFakeTracker(t)
	defer ft.close()
	ft.serveHappyPath(t)

	m, err := NewManager()
	require.NoError(t, err)
	defer m.Close()

	resp, err := m.Announce(context.Background(), ft.addr(), AnnounceRequest{Port: 6881})
	require.NoError(t, err)
	assert.EqualValues(t, 1800, resp.Interval)
	assert.EqualValues(t, 2, resp.Leechers)
	assert.EqualValues(t, 5, resp.Seeders)
}

func TestConnectionIDIsCachedAcrossAnnounces(t *testing.T) {
	ft := newFakeTracker(t)
	defer ft.close()

	var connectCount int
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := ft.conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_ = n
			action := int32(binary.BigEndian.Uint32(buf[8:12]))
			txID := int32(binary.BigEndian.Uint32(buf[12:16]))
			switch action {
			case actionConnect:
				connectCount++
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], uint32(actionConnect))
				binary.BigEndian.PutUint32(resp[4:8], uint32(txID))
				binary.BigEndian.PutUint64(resp[8:16], 123)
				ft.conn.WriteToUDP(resp, addr)
			case actionAnnounce:
				resp := make([]byte, 20)
				binary.BigEndian.PutUint32(resp[0:4], uint32(actionAnnounce))
				binary.BigEndian.PutUint32(resp[4:8], uint32(txID))
				ft.conn.WriteToUDP(resp, addr)
			}
		}
	}()

	m, err := NewManager()
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Announce(context.Background(), ft.addr(), AnnounceRequest{})
	require.NoError(t, err)
	_, err = m.Announce(context.Background(), ft.addr(), AnnounceRequest{})
	require.NoError(t, err)

	assert.Equal(t, 1, connectCount)
}

func TestDoRPCRetransmitsAfterTimeout(t *testing.T) {
	ft := newFakeTracker(t)
	defer ft.close()

	var attempts int
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := ft.conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_ = n
			attempts++
			if attempts < 3 {
				continue // drop the first two requests
			}
			txID := int32(binary.BigEndian.Uint32(buf[12:16]))
			resp := make([]byte, 16)
			binary.BigEndian.PutUint32(resp[0:4], uint32(actionConnect))
			binary.BigEndian.PutUint32(resp[4:8], uint32(txID))
			binary.BigEndian.PutUint64(resp[8:16], 7)
			ft.conn.WriteToUDP(resp, addr)
		}
	}()

	m, err := NewManager(WithMinTimeout(20 * time.Millisecond))
	require.NoError(t, err)
	defer m.Close()

	addr, err := m.resolve(ft.addr())
	require.NoError(t, err)
	connID, err := m.connect(context.Background(), addr)
	require.NoError(t, err)
	assert.EqualValues(t, 7, connID)
	assert.GreaterOrEqual(t, attempts, 3)
}

func TestDoRPCFailsWithTimeoutExpiredWhenTrackerNeverResponds(t *testing.T) {
	ft := newFakeTracker(t)
	defer ft.close()
	// server never replies.
	go func() {
		buf := make([]byte, 2048)
		for {
			if _, _, err := ft.conn.ReadFromUDP(buf); err != nil {
				return
			}
		}
	}()

	m, err := NewManager(WithMinTimeout(5*time.Millisecond), WithMaxTimeout(5*time.Millisecond))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Announce(context.Background(), ft.addr(), AnnounceRequest{})
	require.Error(t, err)
	var trackerErr *Error
	require.ErrorAs(t, err, &trackerErr)
	assert.Equal(t, TimeoutExpired, trackerErr.Kind)
	// the first round's 5ms timeout doesn't exceed maxTimeout, so it's
	// waited out; the doubled 10ms timeout does, so the second round
	// fails immediately with that (unwaited) timeout as Seconds.
	assert.Equal(t, int((10 * time.Millisecond).Seconds()), trackerErr.Seconds)
}

// TestDoRPCFailsFastOnceComputedTimeoutExceedsMaxTimeout mirrors the
// documented min_timeout=1, multiplier=2, max_timeout=4 schedule
// (sends at t=0,1,3,7, TimeoutExpired(8) at ~t=7 without waiting out
// that final 8s), scaled down for a fast test: min=250ms, max=1s.
func TestDoRPCFailsFastOnceComputedTimeoutExceedsMaxTimeout(t *testing.T) {
	ft := newFakeTracker(t)
	defer ft.close()
	go func() {
		buf := make([]byte, 2048)
		for {
			if _, _, err := ft.conn.ReadFromUDP(buf); err != nil {
				return
			}
		}
	}()

	m, err := NewManager(WithMinTimeout(250*time.Millisecond), WithMaxTimeout(time.Second))
	require.NoError(t, err)
	defer m.Close()

	addr, err := m.resolve(ft.addr())
	require.NoError(t, err)

	start := time.Now()
	_, err = m.doRPC(context.Background(), addr, m.allocateTransactionID(), []byte("x"))
	elapsed := time.Since(start)

	require.Error(t, err)
	var trackerErr *Error
	require.ErrorAs(t, err, &trackerErr)
	assert.Equal(t, TimeoutExpired, trackerErr.Kind)
	assert.Equal(t, 2, trackerErr.Seconds)
	// rounds actually waited sum to 250ms+500ms+1s=1.75s; the failing
	// round's own 2s timeout must never be waited out.
	assert.Less(t, elapsed, 2500*time.Millisecond)
}

func TestTwoManagersHaveIndependentRetrySchedules(t *testing.T) {
	fast, err := NewManager(WithMinTimeout(5*time.Millisecond), WithMaxTimeout(5*time.Millisecond))
	require.NoError(t, err)
	defer fast.Close()

	slow, err := NewManager(WithMinTimeout(time.Second), WithMaxTimeout(time.Hour))
	require.NoError(t, err)
	defer slow.Close()

	assert.Equal(t, 5*time.Millisecond, fast.minTimeout)
	assert.Equal(t, time.Second, slow.minTimeout)
	assert.Equal(t, 5*time.Millisecond, fast.maxTimeout)
	assert.Equal(t, time.Hour, slow.maxTimeout)
}

// TestListenIgnoresResponseFromUnexpectedSender exercises the
// (address, transaction_id) binding: an unrelated socket that guesses
// or collides with the real tracker's transaction id must not be
// accepted as that RPC's response.
func TestListenIgnoresResponseFromUnexpectedSender(t *testing.T) {
	ft := newFakeTracker(t)
	defer ft.close()
	go func() {
		buf := make([]byte, 2048)
		for {
			if _, _, err := ft.conn.ReadFromUDP(buf); err != nil {
				return
			}
		}
	}()

	spoofer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer spoofer.Close()

	m, err := NewManager(WithMinTimeout(20*time.Millisecond), WithMaxTimeout(20*time.Millisecond))
	require.NoError(t, err)
	defer m.Close()

	addr, err := m.resolve(ft.addr())
	require.NoError(t, err)
	txID := m.allocateTransactionID()

	go func() {
		time.Sleep(5 * time.Millisecond)
		resp := make([]byte, 16)
		binary.BigEndian.PutUint32(resp[0:4], uint32(actionConnect))
		binary.BigEndian.PutUint32(resp[4:8], uint32(txID))
		binary.BigEndian.PutUint64(resp[8:16], 111)
		spoofer.WriteToUDP(resp, m.conn.LocalAddr().(*net.UDPAddr))
	}()

	_, err = m.doRPC(context.Background(), addr, txID, []byte("x"))
	require.Error(t, err)
	var trackerErr *Error
	require.ErrorAs(t, err, &trackerErr)
	assert.Equal(t, TimeoutExpired, trackerErr.Kind)
}

func TestCloseFailsOutstandingCallsWithManagerClosed(t *testing.T) {
	ft := newFakeTracker(t)
	defer ft.close()
	// server never replies, so the call is still pending when we close.
	go func() {
		buf := make([]byte, 2048)
		for {
			if _, _, err := ft.conn.ReadFromUDP(buf); err != nil {
				return
			}
		}
	}()

	m, err := NewManager()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Announce(context.Background(), ft.addr(), AnnounceRequest{})
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Close())

	err = <-errCh
	require.Error(t, err)
	var trackerErr *Error
	require.ErrorAs(t, err, &trackerErr)
	assert.Equal(t, ManagerClosed, trackerErr.Kind)
}

func TestResolveRejectsUnrecognizedScheme(t *testing.T) {
	m := &Manager{}
	_, err := m.resolve("http://tracker.example.com/announce")
	require.Error(t, err)
	var trackerErr *Error
	require.ErrorAs(t, err, &trackerErr)
	assert.Equal(t, UnrecognizedScheme, trackerErr.Kind)
}

func TestAllocateTransactionIDAvoidsCollision(t *testing.T) {
	m := &Manager{pending: map[int32]pendingCall{}, rng: rand.New(rand.NewSource(1))}
	taken := m.allocateTransactionID()
	m.pending[taken] = pendingCall{}
	next := m.allocateTransactionID()
	assert.NotEqual(t, taken, next)
}
