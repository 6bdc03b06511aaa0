package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// frame is the wire form on the redis channel. Sender lets a context drop
// its own messages, which redis pub/sub echoes back.
type frame struct {
	Sender  string  `json:"sender"`
	Message Message `json:"message"`
}

// Redis is a Channel for contexts in different processes, over redis pub/sub.
// The client is owned by the caller and is not closed by Close.
type Redis struct {
	client  redis.UniversalClient
	channel string
	sender  string
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]chan struct{}
	closed bool
}

// RedisOption configures a Redis channel.
type RedisOption func(*Redis)

// WithRedisLogger sets the logger for undecodable frames.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		r.logger = logger
	}
}

// NewRedis joins the named redis channel.
func NewRedis(client redis.UniversalClient, channel string, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		channel: channel,
		sender:  uuid.NewString(),
		logger:  slog.Default(),
		subs:    make(map[*redis.PubSub]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish sends msg to every other subscriber of the channel.
func (r *Redis) Publish(ctx context.Context, msg Message) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload, err := json.Marshal(frame{Sender: r.sender, Message: msg})
	if err != nil {
		return fmt.Errorf("encoding broadcast frame: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.channel, err)
	}
	return nil
}

// Subscribe registers handler and waits for redis to confirm the subscription.
func (r *Redis) Subscribe(ctx context.Context, handler func(Message)) (func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.subs[ps] = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for m := range ps.Channel() {
			var f frame
			if err := json.Unmarshal([]byte(m.Payload), &f); err != nil {
				r.logger.Warn("dropping undecodable broadcast frame", "channel", r.channel, "error", err)
				continue
			}
			if f.Sender == r.sender {
				continue
			}
			handler(f.Message)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ps)
			r.mu.Unlock()
			_ = ps.Close()
			<-done
		})
	}, nil
}

// Close ends every subscription made through r.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[*redis.PubSub]chan struct{})
	r.mu.Unlock()

	var firstErr error
	for ps, done := range subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		<-done
	}
	return firstErr
}

// Compile-time interface checks
var _ Channel = (*Redis)(nil)
