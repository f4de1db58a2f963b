package bus

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/store"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"task.status", "task.status", true},
		{"task.status", "task.cancel", false},
		{"agent.*.status", "agent.w1.status", true},
		{"agent.*.status", "agent.w1.heartbeat", false},
		{"agent.*.status", "agent.status", false},
		{"agent.w1.*", "agent.w1.status", true},
		{"agent.w1.*", "agent.w1.status.extra", false},
		{"*", "task", true},
		{"*", "task.status", false},
		{"task.*.stream", "task.abc.stream", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Match(c.pattern, c.topic), "Match(%q, %q)", c.pattern, c.topic)
	}
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("agent.*.status"))
	assert.NoError(t, ValidatePattern("task.status"))
	assert.Error(t, ValidatePattern(""))
	assert.Error(t, ValidatePattern("agent..status"))
	assert.Error(t, ValidatePattern("*.*"))
	assert.Error(t, ValidateTopic("agent.*.status"))
}

func TestQueue_DropOldest(t *testing.T) {
	q := newQueue(3)
	for i := 0; i < 5; i++ {
		q.push(domain.Event{ID: string(rune('a' + i))})
	}
	got := q.drain()
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "e", got[2].ID)
	assert.Equal(t, uint64(2), q.droppedCount())
	assert.Nil(t, q.drain())
}

func collect(t *testing.T, b *Bus, pattern string) (*Subscription, <-chan domain.Event) {
	t.Helper()
	ch := make(chan domain.Event, 64)
	sub, err := b.Subscribe(pattern, func(ev domain.Event) { ch <- ev })
	require.NoError(t, err)
	return sub, ch
}

func receive(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(16, nil)
	defer b.Close()

	_, statusCh := collect(t, b, "agent.*.status")
	_, otherCh := collect(t, b, "task.status")

	require.NoError(t, b.Publish("agent.w1.status", map[string]string{"state": "idle"}))

	ev := receive(t, statusCh)
	assert.Equal(t, "agent.w1.status", ev.Topic)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.PublishedAt.IsZero())
	assert.JSONEq(t, `{"state":"idle"}`, string(ev.Payload))

	select {
	case ev := <-otherCh:
		t.Fatalf("unexpected delivery to task.status: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PreservesOrderPerSubscriber(t *testing.T) {
	b := New(128, nil)
	defer b.Close()
	_, ch := collect(t, b, "task.t1.stream")

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Publish("task.t1.stream", i))
	}
	for i := 0; i < 50; i++ {
		var n int
		require.NoError(t, json.Unmarshal(receive(t, ch).Payload, &n))
		assert.Equal(t, i, n)
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := New(4, nil)
	defer b.Close()

	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen []int
	)
	slow, err := b.Subscribe("load", func(ev domain.Event) {
		<-release
		var n int
		_ = json.Unmarshal(ev.Payload, &n)
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	})
	require.NoError(t, err)
	_, fast := collect(t, b, "load")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = b.Publish("load", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by slow subscriber")
	}

	// The fast subscriber keeps up independently.
	for i := 0; i < 4; i++ {
		receive(t, fast)
	}

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 99
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotZero(t, slow.Dropped())
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(8, nil)
	defer b.Close()
	sub, ch := collect(t, b, "task.status")

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	require.NoError(t, b.Publish("task.status", "x"))
	select {
	case <-ch:
		t.Fatal("delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestBus_PublishInvalidTopic(t *testing.T) {
	b := New(8, nil)
	defer b.Close()
	assert.ErrorIs(t, b.Publish("agent.*.status", nil), domain.ErrInvalidParams)
	_, err := b.Subscribe("a.*.*", func(domain.Event) {})
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestSQLiteTransport_SharedAcrossBuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.db")
	db1, err := store.NewDB(path)
	require.NoError(t, err)
	defer db1.Close()
	db2, err := store.NewDB(path)
	require.NoError(t, err)
	defer db2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b1, b2 := New(16, nil), New(16, nil)
	defer b1.Close()
	defer b2.Close()
	t1, err := NewSQLiteTransport(db1, b1, 20*time.Millisecond, time.Minute, nil)
	require.NoError(t, err)
	t2, err := NewSQLiteTransport(db2, b2, 20*time.Millisecond, time.Minute, nil)
	require.NoError(t, err)

	_, ch1 := collect(t, b1, "message.to.*")
	_, ch2 := collect(t, b2, "message.to.*")

	go t1.Run(ctx)
	go t2.Run(ctx)
	// Let both transports record their starting cursor.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b1.Publish(MessageTo("reviewer"), map[string]string{"text": "hi"}))

	for _, ch := range []<-chan domain.Event{ch1, ch2} {
		ev := receive(t, ch)
		assert.Equal(t, "message.to.reviewer", ev.Topic)
		assert.JSONEq(t, `{"text":"hi"}`, string(ev.Payload))
	}
}
