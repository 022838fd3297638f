package distributor_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cloudwebrtc/rpcmesh/pkg/distributor"
)

func TestPublishDeliversToEveryOpenSubscriber(t *testing.T) {
	d := distributor.New[string](distributor.Config{}, nil, nil)
	defer d.Dispose()

	a, err := d.CreateSubscriber("")
	require.NoError(t, err)
	b, err := d.CreateSubscriber("")
	require.NoError(t, err)

	d.Publish("hello")

	require.Equal(t, "hello", <-a.C)
	require.Equal(t, "hello", <-b.C)

	m := d.Metrics()
	require.EqualValues(t, 2, m.TotalSubscribersEver)
	require.EqualValues(t, 2, m.CurrentSubscribers)
	require.EqualValues(t, 1, m.TotalPublishes)
	require.EqualValues(t, 2, m.TotalDeliveries)
}

func TestPublishOrderPreservedPerSubscriber(t *testing.T) {
	d := distributor.New[int](distributor.Config{}, nil, nil)
	defer d.Dispose()

	sub, err := d.CreateSubscriber("")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		d.Publish(i)
	}
	for i := 0; i < 5; i++ {
		require.Equal(t, i, <-sub.C)
	}
}

func TestPublishToSubscriberTargetsOne(t *testing.T) {
	d := distributor.New[string](distributor.Config{}, nil, nil)
	defer d.Dispose()

	a, _ := d.CreateSubscriber("a")
	b, _ := d.CreateSubscriber("b")

	require.True(t, d.PublishToSubscriber("a", "only-a"))
	require.False(t, d.PublishToSubscriber("missing", "nope"))

	require.Equal(t, "only-a", <-a.C)
	select {
	case v := <-b.C:
		t.Fatalf("subscriber b should not have received anything, got %q", v)
	default:
	}
}

func TestPublishFilteredExcludesSender(t *testing.T) {
	d := distributor.New[string](distributor.Config{}, nil, nil)
	defer d.Dispose()

	a, _ := d.CreateSubscriber("a")
	b, _ := d.CreateSubscriber("b")
	c, _ := d.CreateSubscriber("c")

	n := d.PublishFiltered("broadcast", func(id string) bool { return id != "a" })
	require.Equal(t, 2, n)

	select {
	case v := <-a.C:
		t.Fatalf("sender should be excluded, got %q", v)
	default:
	}
	require.Equal(t, "broadcast", <-b.C)
	require.Equal(t, "broadcast", <-c.C)
}

func TestPauseBuffersAndResumeFlushes(t *testing.T) {
	d := distributor.New[int](distributor.Config{}, nil, nil)
	defer d.Dispose()

	sub, _ := d.CreateSubscriber("")
	d.Pause(sub.ID)

	d.Publish(1)
	d.Publish(2)
	d.Publish(3)

	select {
	case v := <-sub.C:
		t.Fatalf("paused subscriber should not receive directly, got %d", v)
	default:
	}

	d.Resume(sub.ID)
	require.Equal(t, 1, <-sub.C)
	require.Equal(t, 2, <-sub.C)
	require.Equal(t, 3, <-sub.C)
}

func TestPausedBufferDropsOldestPastHighWaterMark(t *testing.T) {
	d := distributor.New[int](distributor.Config{HighWaterMark: 2}, nil, nil)
	defer d.Dispose()

	sub, _ := d.CreateSubscriber("")
	d.Pause(sub.ID)
	d.Publish(1)
	d.Publish(2)
	d.Publish(3)

	d.Resume(sub.ID)
	require.Equal(t, 2, <-sub.C)
	require.Equal(t, 3, <-sub.C)

	m := d.Metrics()
	require.EqualValues(t, 1, m.Errors)
}

func TestActiveChannelDropsOldestWhenFull(t *testing.T) {
	d := distributor.New[int](distributor.Config{BufferSize: 2}, nil, nil)
	defer d.Dispose()

	sub, _ := d.CreateSubscriber("")
	d.Publish(1)
	d.Publish(2)
	d.Publish(3) // channel already holds [1,2]; this should drop 1

	require.Equal(t, 2, <-sub.C)
	require.Equal(t, 3, <-sub.C)

	m := d.Metrics()
	require.EqualValues(t, 1, m.Errors)
}

func TestCloseStopsDelivery(t *testing.T) {
	d := distributor.New[string](distributor.Config{}, nil, nil)
	defer d.Dispose()

	sub, _ := d.CreateSubscriber("a")
	d.Close("a")
	d.Close("a") // idempotent

	d.Publish("after-close")

	_, open := <-sub.C
	require.False(t, open)

	require.False(t, d.PublishToSubscriber("a", "x"))
}

func TestDisposeClosesAllAndRejectsNewSubscribers(t *testing.T) {
	d := distributor.New[string](distributor.Config{}, nil, nil)
	a, _ := d.CreateSubscriber("a")

	d.Dispose()

	_, open := <-a.C
	require.False(t, open)

	_, err := d.CreateSubscriber("b")
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.ResourceExhausted, st.Code())
}

func TestInactivitySweepClosesIdleSubscribers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := distributor.New[string](distributor.Config{
		CleanupInterval:     time.Second,
		InactivityThreshold: 5 * time.Second,
	}, clock, nil)
	defer d.Dispose()

	sub, _ := d.CreateSubscriber("a")

	clock.BlockUntil(1)
	clock.Advance(6 * time.Second)
	clock.BlockUntil(1)

	_, open := <-sub.C
	require.False(t, open)
}

func TestActivityResetsInactivityClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := distributor.New[string](distributor.Config{
		CleanupInterval:     time.Second,
		InactivityThreshold: 5 * time.Second,
	}, clock, nil)
	defer d.Dispose()

	sub, _ := d.CreateSubscriber("a")

	clock.BlockUntil(1)
	clock.Advance(3 * time.Second)
	clock.BlockUntil(1)
	d.Publish("keep-alive")
	<-sub.C

	clock.Advance(3 * time.Second)
	clock.BlockUntil(1)

	select {
	case _, open := <-sub.C:
		t.Fatalf("subscriber should still be open, open=%v", open)
	default:
	}
}
