package sse

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFrameFormat(t *testing.T) {
	sub, stream := newTestSub("s1", "home", "u1", "alice", "sess1")

	sub.Publish("chat.msg", map[string]string{"t": "hi"})

	require.Equal(t, "id: 1\ndata: chat.msg {\"t\":\"hi\"}\n\n", stream.contents())
}

func TestPublishNilPayload(t *testing.T) {
	sub, stream := newTestSub("s1", "home", "u1", "alice", "sess1")

	sub.Publish("cmd.onHeartbeat", nil)

	require.Equal(t, "id: 1\ndata: cmd.onHeartbeat \n\n", stream.contents())
}

func TestPublishIDsAreStrictlyIncreasing(t *testing.T) {
	sub, stream := newTestSub("s1", "home", "u1", "alice", "sess1")

	for i := 0; i < 5; i++ {
		sub.Publish("tick", i)
	}

	frames := stream.frames()
	require.Len(t, frames, 5)
	for i, frame := range frames {
		assert.Equal(t, fmt.Sprintf("id: %d\ndata: tick %d", i+1, i), frame)
	}
}

func TestPublishConcurrentIDsHaveNoGaps(t *testing.T) {
	sub, stream := newTestSub("s1", "home", "u1", "alice", "sess1")

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Publish("tick", nil)
		}()
	}
	wg.Wait()

	frames := stream.frames()
	require.Len(t, frames, n)

	seen := make(map[string]bool)
	for _, frame := range frames {
		var id int
		_, err := fmt.Sscanf(frame, "id: %d\n", &id)
		require.NoError(t, err)
		require.GreaterOrEqual(t, id, 1)
		require.LessOrEqual(t, id, n)
		key := fmt.Sprintf("%d", id)
		require.False(t, seen[key], "duplicate frame id %d", id)
		seen[key] = true
	}
}

func TestPulseAdvancesLastPulse(t *testing.T) {
	sub, _ := newTestSub("s1", "home", "u1", "alice", "sess1")

	require.False(t, sub.LastPulseAt().Before(sub.CreatedAt))

	before := sub.LastPulseAt()
	time.Sleep(2 * time.Millisecond)
	sub.Pulse()
	assert.True(t, sub.LastPulseAt().After(before))
}

func TestNoWritesAfterDispose(t *testing.T) {
	sub, stream := newTestSub("s1", "home", "u1", "alice", "sess1")

	sub.Publish("chat.msg", "before")
	sub.Dispose()
	sub.Publish("chat.msg", "after")

	require.True(t, stream.isClosed())
	assert.Equal(t, "id: 1\ndata: chat.msg \"before\"\n\n", stream.contents())
}

func TestDisposeFiresCallbackOnce(t *testing.T) {
	sub, _ := newTestSub("s1", "home", "u1", "alice", "sess1")

	calls := 0
	sub.SetOnDispose(func() { calls++ })

	sub.Dispose()
	sub.Dispose()

	assert.Equal(t, 1, calls)
}

func TestWriteFailureTriggersUnsubscribe(t *testing.T) {
	sub, stream := newTestSub("s1", "home", "u1", "alice", "sess1")

	var unsubscribed *Subscription
	sub.setOnUnsubscribe(func(s *Subscription) { unsubscribed = s })

	stream.fail()
	sub.Publish("chat.msg", "lost")

	assert.Same(t, sub, unsubscribed)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	sub, _ := newTestSub("s1", "home", "u1", "alice", "sess1")

	calls := 0
	sub.setOnUnsubscribe(func(*Subscription) { calls++ })

	sub.Unsubscribe()
	sub.Unsubscribe()

	assert.Equal(t, 1, calls)
}

func TestUnencodablePayloadDoesNotBurnAnID(t *testing.T) {
	sub, stream := newTestSub("s1", "home", "u1", "alice", "sess1")

	sub.Publish("bad", func() {})
	sub.Publish("good", "ok")

	require.Equal(t, "id: 1\ndata: good \"ok\"\n\n", stream.contents())
}
