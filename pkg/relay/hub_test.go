package relay

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/canopy-network/blockorb/pkg/blockfeed"
	redisclient "github.com/canopy-network/blockorb/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func recv(t *testing.T, s *Subscriber) []byte {
	t.Helper()
	select {
	case msg := <-s.C():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestHubLocalFanOut(t *testing.T) {
	h := NewHub(HubOptions{Buffer: 4}, zaptest.NewLogger(t))
	a, b := h.Subscribe(), h.Subscribe()
	require.Equal(t, 2, h.Size())

	h.Publish(context.Background(), []byte(`{"type":"block"}`))
	assert.Equal(t, `{"type":"block"}`, string(recv(t, a)))
	assert.Equal(t, `{"type":"block"}`, string(recv(t, b)))

	h.Unsubscribe(b)
	h.Publish(context.Background(), []byte("second"))
	assert.Equal(t, "second", string(recv(t, a)))
	assert.Empty(t, b.C())
	assert.Equal(t, uint64(2), h.Published())
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub(HubOptions{Buffer: 1}, zaptest.NewLogger(t))
	s := h.Subscribe()
	for i := 0; i < 3; i++ {
		h.Publish(context.Background(), []byte{byte('0' + i)})
	}
	assert.Equal(t, uint64(2), s.Dropped())
	assert.Equal(t, "0", string(recv(t, s)))
}

func TestHubRunWithoutRedisReturns(t *testing.T) {
	h := NewHub(HubOptions{}, zaptest.NewLogger(t))
	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run blocked without redis")
	}
}

func TestHubSharesAcrossReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newReplica := func() *Hub {
		c, err := redisclient.NewClient(ctx, redisclient.Options{Addr: mr.Addr()}, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return NewHub(HubOptions{Buffer: 8, Redis: c}, zaptest.NewLogger(t))
	}
	upstream, follower := newReplica(), newReplica()

	done := make(chan struct{}, 2)
	for _, h := range []*Hub{upstream, follower} {
		go func(h *Hub) {
			h.Run(ctx)
			done <- struct{}{}
		}(h)
	}
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultChannel)[DefaultChannel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	local := upstream.Subscribe()
	remote := follower.Subscribe()
	upstream.Publish(ctx, []byte(`{"type":"block","data":{"number":7}}`))

	assert.JSONEq(t, `{"type":"block","data":{"number":7}}`, string(recv(t, remote)))
	assert.JSONEq(t, `{"type":"block","data":{"number":7}}`, string(recv(t, local)))

	// the upstream replica ignores its own echo
	select {
	case msg := <-local.C():
		t.Fatalf("unexpected echo %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func blockMsg(n int) []byte {
	return []byte(`{"type":"block","data":{"number":` + strconv.Itoa(n) + `}}`)
}

func TestHubSequenceFilter(t *testing.T) {
	h := NewHub(HubOptions{Buffer: 16, Sequence: blockfeed.BlockNumber}, zaptest.NewLogger(t))
	s := h.Subscribe()
	ctx := context.Background()
	remote := func(n int) {
		h.handleRemote(&redis.Message{Payload: `{"origin":"peer","data":` + string(blockMsg(n)) + `}`})
	}

	h.Publish(ctx, blockMsg(7))
	remote(7)
	h.Publish(ctx, blockMsg(7))
	remote(8)
	h.Publish(ctx, blockMsg(8))
	remote(6)
	h.Publish(ctx, []byte(`{"type":"error","message":"node down"}`))
	h.Publish(ctx, blockMsg(5))

	for _, want := range []string{string(blockMsg(7)), string(blockMsg(8)), `{"type":"error","message":"node down"}`, string(blockMsg(5))} {
		assert.Equal(t, want, string(recv(t, s)))
	}
	assert.Empty(t, s.C())
	assert.Equal(t, uint64(4), h.Duplicates())
}

func TestHubReplicasWithUpstreamDeliverOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newReplica := func() *Hub {
		c, err := redisclient.NewClient(ctx, redisclient.Options{Addr: mr.Addr()}, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return NewHub(HubOptions{Buffer: 8, Redis: c, Sequence: blockfeed.BlockNumber}, zaptest.NewLogger(t))
	}
	a, b := newReplica(), newReplica()

	done := make(chan struct{}, 2)
	for _, h := range []*Hub{a, b} {
		go func(h *Hub) {
			h.Run(ctx)
			done <- struct{}{}
		}(h)
	}
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultChannel)[DefaultChannel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	subA, subB := a.Subscribe(), b.Subscribe()
	for n := 10; n < 13; n++ {
		a.Publish(ctx, blockMsg(n))
		b.Publish(ctx, blockMsg(n))
	}

	for _, s := range []*Subscriber{subA, subB} {
		for n := 10; n < 13; n++ {
			assert.Equal(t, string(blockMsg(n)), string(recv(t, s)))
		}
	}
	select {
	case msg := <-subA.C():
		t.Fatalf("duplicate on a: %s", msg)
	case msg := <-subB.C():
		t.Fatalf("duplicate on b: %s", msg)
	case <-time.After(200 * time.Millisecond):
	}
}
