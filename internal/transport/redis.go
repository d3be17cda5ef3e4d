package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"

	"collabtext/internal/protocol"
)

// publishTimeout bounds a single PUBLISH.
const publishTimeout = 5 * time.Second

// ChannelName returns the Redis channel carrying a session's envelopes.
func ChannelName(token string) string {
	return "collabtext:session:" + token
}

// RedisTransport broadcasts over Redis pub/sub. Every participant of a
// session subscribes to the same channel; Redis echoes our own messages
// back, and the frame origin filters them out.
type RedisTransport struct {
	observers

	client     redis.UniversalClient
	ownsClient bool
	pubsub     *redis.PubSub
	channel    string
	opts       Options
	logger     *slog.Logger

	frames chan []byte
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// DialRedis connects to the Redis server at redisURL (redis:// or
// rediss:// form) and subscribes to the session channel for token.
func DialRedis(ctx context.Context, redisURL, token string, opts Options) (*RedisTransport, error) {
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(redisOptions)
	t, err := NewRedisTransport(ctx, client, token, opts)
	if err != nil {
		client.Close()
		return nil, err
	}
	t.ownsClient = true
	return t, nil
}

// NewRedisTransport subscribes an existing client to the session channel.
// The initial connection is retried with exponential backoff; after that
// go-redis reconnects the subscription on its own.
func NewRedisTransport(ctx context.Context, client redis.UniversalClient, token string, opts Options) (*RedisTransport, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("transport", "redis", "session", token)

	ping := func() error { return client.Ping(ctx).Err() }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	notify := func(err error, wait time.Duration) {
		logger.Warn("redis not reachable, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	channel := ChannelName(token)
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &RedisTransport{
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		opts:    opts,
		logger:  logger,
		frames:  make(chan []byte, outboxSize),
		cancel:  cancel,
	}
	t.wg.Add(2)
	go t.readLoop(pubsub.Channel())
	go t.writeLoop(runCtx)
	logger.Info("subscribed", "channel", channel)
	return t, nil
}

func (t *RedisTransport) readLoop(messages <-chan *redis.Message) {
	defer t.wg.Done()
	for msg := range messages {
		receiveFrame([]byte(msg.Payload), t.opts.Origin, &t.observers, t.logger)
	}
}

func (t *RedisTransport) writeLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-t.frames:
			publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := t.client.Publish(publishCtx, t.channel, frame).Err()
			cancel()
			if err != nil {
				t.logger.Warn("publish failed, envelope dropped", "error", err)
			}
		}
	}
}

func (t *RedisTransport) Send(env protocol.Envelope) {
	frame, err := protocol.EncodeFrame(t.opts.Origin, env, t.opts.CompressAbove)
	if err != nil {
		t.logger.Warn("dropping unencodable envelope", "kind", env.Kind(), "error", err)
		return
	}
	select {
	case t.frames <- frame:
	default:
		t.logger.Warn("outbox full, envelope dropped", "kind", env.Kind())
	}
}

func (t *RedisTransport) OnReceive(fn func(protocol.Envelope)) func() {
	return t.add(fn)
}

func (t *RedisTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		err = t.pubsub.Close()
		t.wg.Wait()
		if t.ownsClient {
			if closeErr := t.client.Close(); err == nil {
				err = closeErr
			}
		}
	})
	return err
}
