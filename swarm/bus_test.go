package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvWithTimeout(t *testing.T, ch chan Announcement) Announcement {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for announcement")
		return Announcement{}
	}
}

func TestBusFansOutToEverySubscriber(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	b.Announce(Announcement{SessionID: "peerA", Indices: []int{2}})

	a1 := recvWithTimeout(t, ch1)
	a2 := recvWithTimeout(t, ch2)
	assert.Equal(t, "peerA", a1.SessionID)
	assert.Equal(t, "peerA", a2.SessionID)
	assert.Equal(t, []int{2}, a1.Indices)
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch := b.Subscribe()
	b.Unsubscribe(ch)
	// give the dispatch goroutine a moment to process the unsubscribe
	// before the announcement it must not deliver.
	time.Sleep(20 * time.Millisecond)

	b.Announce(Announcement{SessionID: "peerB"})

	select {
	case a := <-ch:
		t.Fatalf("expected no delivery after unsubscribe, got %+v", a)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusAnnounceDoesNotBlockWhenSubscriberIsSlow(t *testing.T) {
	b := NewBus()
	defer b.Close()

	slow := b.Subscribe()
	_ = slow // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 32; i++ {
			b.Announce(Announcement{SessionID: "peerC"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Announce blocked on a slow subscriber")
	}
}

func TestSystemClockReturnsCurrentTime(t *testing.T) {
	before := time.Now()
	got := SystemClock()
	after := time.Now()
	require.False(t, got.Before(before))
	require.False(t, got.After(after))
}
