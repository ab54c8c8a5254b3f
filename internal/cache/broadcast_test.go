package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInvalidate_DeletesSharedAndLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	local := NewLocal(time.Minute)
	b := NewBroadcaster(rdb, "cache:invalidate", local, zap.NewNop())

	mr.Set("cache:shop:1", `{"id":1}`) //nolint:errcheck
	local.Set("cache:shop:1", []byte(`{"id":1}`))

	require.NoError(t, b.Invalidate(context.Background(), "cache:shop:1"))
	require.False(t, mr.Exists("cache:shop:1"))
	_, ok := local.Get("cache:shop:1")
	require.False(t, ok)
}

func TestRun_PeerEvictsOnBroadcast(t *testing.T) {
	mr := miniredis.RunT(t)
	writerRDB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	peerRDB := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	writerLocal := NewLocal(time.Minute)
	peerLocal := NewLocal(time.Minute)
	writer := NewBroadcaster(writerRDB, "cache:invalidate", writerLocal, zap.NewNop())
	peer := NewBroadcaster(peerRDB, "cache:invalidate", peerLocal, zap.NewNop())

	peerLocal.Set("cache:shop:1", []byte(`{"id":1}`))
	peerLocal.Set("cache:shop:2", []byte(`{"id":2}`))

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := peer.Subscribe(ctx)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		peer.Run(ctx, sub)
		close(done)
	}()

	require.NoError(t, writer.Invalidate(ctx, "cache:shop:1"))

	require.Eventually(t, func() bool {
		_, ok := peerLocal.Get("cache:shop:1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	_, ok := peerLocal.Get("cache:shop:2")
	require.True(t, ok, "unrelated keys survive")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop on cancel")
	}
}

func TestInvalidateThenRead_NeverSeesOldSharedValue(t *testing.T) {
	local := NewLocal(time.Minute)
	c, rdb, _ := newTestClient(t, local)
	b := NewBroadcaster(rdb, "cache:invalidate", local, zap.NewNop())
	ctx := context.Background()

	rows := map[int64]*item{1: {ID: 1, Name: "before"}}
	src := &countingLookup{rows: rows}

	got, err := Query(ctx, c, "cache:item:", int64(1), src.lookup, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "before", got.Name)

	// write to source of record, then invalidate
	rows[1] = &item{ID: 1, Name: "after"}
	require.NoError(t, b.Invalidate(ctx, "cache:item:1"))

	got, err = Query(ctx, c, "cache:item:", int64(1), src.lookup, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "after", got.Name)
}
