package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/bobarin/hookreel/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func processing(id uuid.UUID, v float64) Update {
	return Update{JobID: id, Status: models.JobStatusProcessing, Progress: v}
}

func receive(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "channel closed")
		return u
	case <-time.After(time.Second):
		t.Fatal("no update received")
		return Update{}
	}
}

func assertClosed(t *testing.T, ch <-chan Update) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "expected closed channel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestNewSubscriberGetsLatestOnly(t *testing.T) {
	c := New(4)
	id := uuid.New()

	c.Publish(processing(id, 10))
	c.Publish(processing(id, 20))

	sub := c.Subscribe(id)
	defer sub.Close()

	assert.Equal(t, 20.0, receive(t, sub.C).Progress)

	c.Publish(processing(id, 35))
	assert.Equal(t, 35.0, receive(t, sub.C).Progress)

	select {
	case u := <-sub.C:
		t.Fatalf("unexpected update %v", u)
	default:
	}
}

func TestSubscribeBeforeAnyUpdate(t *testing.T) {
	c := New(4)
	id := uuid.New()

	sub := c.Subscribe(id)
	defer sub.Close()

	select {
	case <-sub.C:
		t.Fatal("nothing published yet")
	default:
	}

	c.Publish(processing(id, 5))
	assert.Equal(t, 5.0, receive(t, sub.C).Progress)
}

func TestFanOutToAllObservers(t *testing.T) {
	c := New(4)
	id := uuid.New()

	subs := []*Subscription{c.Subscribe(id), c.Subscribe(id), c.Subscribe(id)}
	other := c.Subscribe(uuid.New())
	defer other.Close()

	c.Publish(processing(id, 42))
	for _, s := range subs {
		assert.Equal(t, 42.0, receive(t, s.C).Progress)
	}
	select {
	case <-other.C:
		t.Fatal("update leaked to another job")
	default:
	}
}

func TestSlowObserverIsPruned(t *testing.T) {
	c := New(1)
	id := uuid.New()

	slow := c.Subscribe(id)
	fast := c.Subscribe(id)

	c.Publish(processing(id, 1))
	assert.Equal(t, 1.0, receive(t, fast.C).Progress)

	// slow never drained its buffer of one
	c.Publish(processing(id, 2))
	assert.Equal(t, 2.0, receive(t, fast.C).Progress)
	assert.Equal(t, 1, c.Subscribers(id))

	assert.Equal(t, 1.0, receive(t, slow.C).Progress)
	assertClosed(t, slow.C)

	slow.Close()
	fast.Close()
	assert.Zero(t, c.Subscribers(id))
}

func TestTerminalUpdateClosesAndReleases(t *testing.T) {
	c := New(4)
	id := uuid.New()

	sub := c.Subscribe(id)
	c.Publish(processing(id, 50))
	c.Publish(Update{JobID: id, Status: models.JobStatusCompleted, Progress: 100, ResultURL: "https://cdn/x.mp4"})

	assert.Equal(t, 50.0, receive(t, sub.C).Progress)
	final := receive(t, sub.C)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, "https://cdn/x.mp4", final.ResultURL)
	assertClosed(t, sub.C)

	_, ok := c.Latest(id)
	assert.False(t, ok)
	sub.Close()
}

func TestCloseIsIdempotentAndEndsSubscriptions(t *testing.T) {
	c := New(4)
	id := uuid.New()
	sub := c.Subscribe(id)

	c.Close()
	c.Close()
	assertClosed(t, sub.C)
	sub.Close()

	late := c.Subscribe(id)
	assertClosed(t, late.C)
	c.Publish(processing(id, 1))
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	c := New(2)
	id := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := c.Subscribe(id)
			defer sub.Close()
			for j := 0; j < 10; j++ {
				select {
				case <-sub.C:
				default:
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		c.Publish(processing(id, float64(i)))
	}
	wg.Wait()

	latest, ok := c.Latest(id)
	require.True(t, ok)
	assert.Equal(t, 99.0, latest.Progress)
}
