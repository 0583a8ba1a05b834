package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := New(Options{Addr: mr.Addr(), KeyPrefix: "test:", TTL: time.Minute})
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestGet_NotFound(t *testing.T) {
	c, _ := newTestClient(t)
	_, found, err := c.Get(context.Background(), "missing-session")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetWithTTL_RoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "s1", []byte(`{"version":1}`)))

	data, found, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"version":1}`, string(data))

	ttl := mr.TTL(c.key("s1"))
	assert.Greater(t, ttl, time.Duration(0))
}

func TestCompareAndSetWithTTL_NotFound(t *testing.T) {
	c, _ := newTestClient(t)
	res, err := c.CompareAndSetWithTTL(context.Background(), "absent", 1, []byte(`{"version":2}`))
	require.NoError(t, err)
	assert.True(t, res.NotFound)
	assert.False(t, res.OK)
}

func TestCompareAndSetWithTTL_VersionMatch(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.SetWithTTL(ctx, "s1", []byte(`{"version":1}`)))

	res, err := c.CompareAndSetWithTTL(ctx, "s1", 1, []byte(`{"version":2}`))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(1), res.ActualVersion)

	data, found, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"version":2}`, string(data))
}

func TestCompareAndSetWithTTL_VersionMismatch(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.SetWithTTL(ctx, "s1", []byte(`{"version":5}`)))

	res, err := c.CompareAndSetWithTTL(ctx, "s1", 1, []byte(`{"version":2}`))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, int64(5), res.ActualVersion)

	data, found, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"version":5}`, string(data), "a mismatched CAS must not mutate the stored value")
}

func TestDelete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.SetWithTTL(ctx, "s1", []byte(`{}`)))
	require.NoError(t, c.Delete(ctx, "s1"))

	_, found, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	go c.Subscribe(ctx, "updates", func(_ string, payload []byte) {
		received <- payload
	})

	// allow the subscription goroutine to register before publishing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Publish(ctx, "updates", []byte("hello")))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestPing(t *testing.T) {
	c, _ := newTestClient(t)
	assert.NoError(t, c.Ping(context.Background()))
}
