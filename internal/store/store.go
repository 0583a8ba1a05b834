// Package store implements the primary store client (C1): a thin
// abstraction over Redis providing version-checked writes, TTL refresh,
// and cross-instance publish/subscribe. It is the only shared mutable
// resource in the system — all cross-instance coordination reduces to the
// compare-and-set primitive here.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apexphere/synckairos/internal/kairoserr"
)

// DefaultTTL is refreshed on every write so active sessions never expire
// from under a live connection.
const DefaultTTL = 1 * time.Hour

// DefaultKeyPrefix namespaces all session keys; tests use a unique prefix
// per run for isolation.
const DefaultKeyPrefix = "synckairos:"

// Client is the primary store client. It holds two separate Redis
// connections — cmd for request/response commands, sub for the two
// long-lived subscriptions — because the wire protocol does not allow a
// connection blocked on a subscription to also serve commands.
type Client struct {
	cmd *redis.Client
	sub *redis.Client

	keyPrefix string
	ttl       time.Duration

	casScript *redis.Script
}

// Options configures a new Client.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// New connects to Redis and prepares the CAS script. It does not block on
// a PING; callers that need a readiness check should call Ping.
func New(opts Options) *Client {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	redisOpts := &redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}

	c := &Client{
		cmd:       redis.NewClient(redisOpts),
		sub:       redis.NewClient(redisOpts),
		keyPrefix: prefix,
		ttl:       ttl,
	}
	c.casScript = redis.NewScript(compareAndSetScript)
	return c
}

func (c *Client) key(sessionID string) string {
	return c.keyPrefix + "session:" + sessionID
}

// RawCmd exposes the underlying command connection for collaborators
// that need raw Redis access over the same connection pool — namely the
// audit queue (C2), whose job ledger lives in the primary store to
// avoid a second queuing dependency.
func (c *Client) RawCmd() *redis.Client {
	return c.cmd
}

// Ping verifies connectivity on both connections, used by the /ready probe.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.cmd.Ping(ctx).Err(); err != nil {
		return kairoserr.Wrap(kairoserr.CodeStateDeserializationErr, err, "primary store command connection unreachable")
	}
	if err := c.sub.Ping(ctx).Err(); err != nil {
		return kairoserr.Wrap(kairoserr.CodeStateDeserializationErr, err, "primary store subscription connection unreachable")
	}
	return nil
}

// Get retrieves the raw serialized session state. found is false when the
// key is absent (deleted or TTL-expired); the caller cannot distinguish
// the two from Get alone — only the deletion sentinel published on the
// update channel does.
func (c *Client) Get(ctx context.Context, sessionID string) (data []byte, found bool, err error) {
	val, err := c.cmd.Get(ctx, c.key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "get session %s", sessionID)
	}
	return val, true, nil
}

// SetWithTTL writes unconditionally and refreshes TTL.
func (c *Client) SetWithTTL(ctx context.Context, sessionID string, data []byte) error {
	if err := c.cmd.Set(ctx, c.key(sessionID), data, c.ttl).Err(); err != nil {
		return kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "set session %s", sessionID)
	}
	return nil
}

// CASResult is the outcome of CompareAndSetWithTTL.
type CASResult struct {
	OK            bool
	ActualVersion int64
	NotFound      bool
}

// compareAndSetScript atomically reads the stored record, extracts its
// version field, and overwrites only if it matches the expected version —
// the server-side script required by the store's CAS contract so the
// read-compare-write sequence cannot race with a concurrent writer.
// KEYS[1] = session key, ARGV[1] = expected version, ARGV[2] = new bytes,
// ARGV[3] = TTL seconds. The version field is located with a pattern
// written into the script itself. A stored value with no parseable
// version is reported as not found.
const compareAndSetScript = `
local current = redis.call('GET', KEYS[1])
if current == false then
  return {0, 0, 1}
end
local versionStr = string.match(current, '"version"%s*:%s*(%d+)')
local currentVersion = tonumber(versionStr)
if currentVersion == nil then
  return {0, 0, 1}
end
if currentVersion ~= tonumber(ARGV[1]) then
  return {0, currentVersion, 0}
end
redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
return {1, currentVersion, 0}
`

// CompareAndSetWithTTL performs the atomic version-checked write backing
// every C4 mutation: it succeeds only if the stored version still equals
// expectedVersion, refreshing TTL on success.
func (c *Client) CompareAndSetWithTTL(ctx context.Context, sessionID string, expectedVersion int64, data []byte) (CASResult, error) {
	res, err := c.casScript.Run(ctx, c.cmd, []string{c.key(sessionID)},
		expectedVersion, data, int(c.ttl.Seconds())).Result()
	if err != nil {
		return CASResult{}, kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "cas session %s", sessionID)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return CASResult{}, kairoserr.Newf(kairoserr.CodeStateDeserializationErr, "unexpected CAS script result shape for %s", sessionID)
	}

	ok1, _ := vals[0].(int64)
	actual, _ := vals[1].(int64)
	notFound, _ := vals[2].(int64)

	return CASResult{OK: ok1 == 1, ActualVersion: actual, NotFound: notFound == 1}, nil
}

// Delete removes the session key outright (an explicit deletion, as
// opposed to a TTL lapse).
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	if err := c.cmd.Del(ctx, c.key(sessionID)).Err(); err != nil {
		return kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "delete session %s", sessionID)
	}
	return nil
}

// Publish fire-and-forgets payload onto channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.cmd.Publish(ctx, channel, payload).Err()
}

// Handler is invoked once per message delivered to a subscription.
type Handler func(channel string, payload []byte)

// Subscribe opens a long-lived subscription to channel on the dedicated
// subscription connection and invokes handler per message until ctx is
// cancelled. Intended to be called exactly once per instance per channel.
func (c *Client) Subscribe(ctx context.Context, channel string, handler Handler) error {
	pubsub := c.sub.Subscribe(ctx, channel)
	return c.consume(ctx, pubsub, handler)
}

// PSubscribe is Subscribe's pattern-matching counterpart, used for the
// per-session ws:<sessionId> broadcast channels.
func (c *Client) PSubscribe(ctx context.Context, pattern string, handler Handler) error {
	pubsub := c.sub.PSubscribe(ctx, pattern)
	return c.consume(ctx, pubsub, handler)
}

func (c *Client) consume(ctx context.Context, pubsub *redis.PubSub, handler Handler) error {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Close tears down both connections.
func (c *Client) Close() error {
	errCmd := c.cmd.Close()
	errSub := c.sub.Close()
	if errCmd != nil {
		return errCmd
	}
	return errSub
}
