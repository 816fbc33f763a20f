package cache

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, Config{}), mr
}

var thumb200 = ThumbSpec{Width: 200, Height: 200, Format: "jpeg"}

func TestKeysAreNamespacedAndBounded(t *testing.T) {
	long := "2024/01/01/" + string(bytes.Repeat([]byte("a"), 5000)) + ".jpg"
	k := key(nsFile, long)
	assert.Equal(t, "wpic:file:", k[:10])
	assert.Len(t, k, len("wpic:file:")+32)

	tk := thumbKey(long, thumb200)
	assert.Len(t, tk, len("wpic:thumb:")+32+1+32)
	assert.NotEqual(t, thumbKey("p", thumb200), thumbKey("p", ThumbSpec{Width: 200, Height: 200, Format: "png"}))
}

func TestFileRoundTripAndSizeThreshold(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, ok := c.GetFile(ctx, "a.jpg")
	assert.False(t, ok)

	require.True(t, c.SetFile(ctx, "a.jpg", []byte("small"), 0))
	got, ok := c.GetFile(ctx, "a.jpg")
	require.True(t, ok)
	assert.Equal(t, "small", string(got))
	assert.Equal(t, time.Hour, mr.TTL(key(nsFile, "a.jpg")))

	big := make([]byte, 1<<20)
	assert.False(t, c.SetFile(ctx, "big.jpg", big, 0), "1 MiB files must not be cached")
	_, ok = c.GetFile(ctx, "big.jpg")
	assert.False(t, ok)
}

func TestThumbTTLAndExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.True(t, c.SetThumb(ctx, "a.jpg", thumb200, []byte("thumb"), 0))
	assert.Equal(t, 2*time.Hour, mr.TTL(thumbKey("a.jpg", thumb200)))

	mr.FastForward(2*time.Hour + time.Second)
	_, ok := c.GetThumb(ctx, "a.jpg", thumb200)
	assert.False(t, ok, "expired thumbnail must miss")
}

func TestDeleteFileDropsEveryDerivative(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	preview := ThumbSpec{Width: 800, Height: 600, Format: "jpeg"}

	c.SetFile(ctx, "p.jpg", []byte("raw"), 0)
	c.SetMeta(ctx, "p.jpg", map[string]int{"w": 1}, 0)
	c.SetThumb(ctx, "p.jpg", thumb200, []byte("t"), 0)
	c.SetThumb(ctx, "p.jpg", preview, []byte("p"), 0)
	c.SetThumb(ctx, "other.jpg", thumb200, []byte("o"), 0)

	c.DeleteFile(ctx, "p.jpg")

	_, ok := c.GetThumb(ctx, "p.jpg", thumb200)
	assert.False(t, ok)
	_, ok = c.GetThumb(ctx, "p.jpg", preview)
	assert.False(t, ok)
	_, ok = c.GetFile(ctx, "p.jpg")
	assert.False(t, ok)
	var meta map[string]int
	assert.False(t, c.GetMeta(ctx, "p.jpg", &meta))

	got, ok := c.GetThumb(ctx, "other.jpg", thumb200)
	assert.True(t, ok, "other paths keep their derivatives")
	assert.Equal(t, "o", string(got))
}

func TestDeleteFileDropsManyDerivatives(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	for w := 1; w <= 250; w++ {
		c.SetThumb(ctx, "many.jpg", ThumbSpec{Width: w, Height: w, Format: "png"}, []byte("x"), 0)
	}
	members, err := mr.Members(thumbIndexKey("many.jpg"))
	require.NoError(t, err)
	assert.Len(t, members, 250)

	c.DeleteFile(ctx, "many.jpg")
	assert.Empty(t, mr.Keys())
}

func TestDeleteFileIgnoresUnrelatedKeyspace(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	for i := 0; i < 5000; i++ {
		require.NoError(t, mr.Set(fmt.Sprintf("unrelated:%d", i), "v"))
	}
	c.SetThumb(ctx, "p.jpg", thumb200, []byte("t"), 0)

	c.DeleteFile(ctx, "p.jpg")

	_, ok := c.GetThumb(ctx, "p.jpg", thumb200)
	assert.False(t, ok)
	assert.False(t, mr.Exists(thumbIndexKey("p.jpg")), "the index goes with its members")
	assert.Len(t, mr.Keys(), 5000)
}

func TestThumbIndexOutlivesItsMembers(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.SetThumb(ctx, "p.jpg", thumb200, []byte("t"), 3*time.Hour)
	c.SetThumb(ctx, "p.jpg", ThumbSpec{Width: 10, Height: 10, Format: "png"}, []byte("s"), time.Hour)
	assert.Equal(t, 3*time.Hour, mr.TTL(thumbIndexKey("p.jpg")))
}

func TestMetaAndSession(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	type session struct {
		UserID int64  `json:"user_id"`
		Kind   string `json:"kind"`
	}
	require.True(t, c.SetSession(ctx, "sid", session{UserID: 9, Kind: "web"}, 0))
	assert.Equal(t, 24*time.Hour, mr.TTL(key(nsSession, "sid")))

	var got session
	require.True(t, c.GetSession(ctx, "sid", &got))
	assert.Equal(t, session{UserID: 9, Kind: "web"}, got)

	c.DeleteSession(ctx, "sid")
	assert.False(t, c.GetSession(ctx, "sid", &got))

	c.SetSession(ctx, "api", session{UserID: 1}, 90*24*time.Hour)
	assert.Equal(t, MaxSessionTTL, mr.TTL(key(nsSession, "api")))

	mr.Set(key(nsMeta, "bad"), "{not json")
	var meta map[string]any
	assert.False(t, c.GetMeta(ctx, "bad", &meta), "undecodable entries are misses")
}

func TestIncrementCounter(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	assert.Equal(t, int64(1), c.IncrementCounter(ctx, "a.jpg"))
	assert.Equal(t, 24*time.Hour, mr.TTL(key(nsCount, "a.jpg")))

	mr.FastForward(time.Hour)
	assert.Equal(t, int64(2), c.IncrementCounter(ctx, "a.jpg"))
	assert.Equal(t, 23*time.Hour, mr.TTL(key(nsCount, "a.jpg")), "only the first increment sets the expiry")
}

func TestUnreachableRedisDegradesToMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	c.SetThumb(ctx, "a.jpg", thumb200, []byte("t"), 0)
	mr.Close()

	_, ok := c.GetThumb(ctx, "a.jpg", thumb200)
	assert.False(t, ok)
	assert.False(t, c.SetFile(ctx, "a.jpg", []byte("x"), 0))
	assert.Equal(t, int64(0), c.IncrementCounter(ctx, "a.jpg"))
	c.DeleteFile(ctx, "a.jpg")
	c.DeleteSession(ctx, "s")
	assert.Error(t, c.Ping(ctx))
}

func TestDisabledCache(t *testing.T) {
	c := Disabled()
	ctx := context.Background()
	assert.False(t, c.Enabled())
	assert.False(t, c.SetThumb(ctx, "a", thumb200, []byte("x"), 0))
	_, ok := c.GetThumb(ctx, "a", thumb200)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.IncrementCounter(ctx, "a"))
	c.DeleteFile(ctx, "a")
	assert.Error(t, c.Ping(ctx))
	assert.NoError(t, c.Close())
}
