package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"flora-session/internal/common/logging"
)

// PubSub is the part of the redis client the bridge needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channels ...string) *goredis.PubSub
}

type envelope[T any] struct {
	Origin  string `json:"origin"`
	Payload T      `json:"payload"`
}

// BridgeConfig wires a RedisBridge.
type BridgeConfig[T any] struct {
	Client  PubSub
	Channel string
	Bus     *Bus[T]
	Topic   string
	// Outbound decides which local payloads are published. Nil publishes all.
	Outbound func(T) bool
	// OnRemote receives payloads published by other processes.
	OnRemote func(T)
	// PublishTimeout bounds one publish. Defaults to 5s.
	PublishTimeout time.Duration
	Logger         logging.Logger
}

const outboxSize = 16

// RedisBridge mirrors one bus topic across processes over a Redis channel.
// Messages carry the publishing process id so a bridge ignores its own.
//
// Local payloads are queued and published from a separate goroutine, so the
// emitter never waits on Redis. When the queue is full the payload is dropped.
type RedisBridge[T any] struct {
	cfg    BridgeConfig[T]
	origin string
	logger logging.Logger
	outbox chan envelope[T]
	stop   chan struct{}

	unsubscribe Unsubscribe
	cancel      context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewRedisBridge[T any](cfg BridgeConfig[T]) *RedisBridge[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("events-bridge")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &RedisBridge[T]{
		cfg:    cfg,
		origin: uuid.NewString(),
		logger: logger.WithFields(logging.String("channel", cfg.Channel)),
		outbox: make(chan envelope[T], outboxSize),
		stop:   make(chan struct{}),
	}
}

// Start subscribes to the channel and begins forwarding. It returns once
// the subscription is confirmed by the server.
func (rb *RedisBridge[T]) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	sub := rb.cfg.Client.Subscribe(ctx, rb.cfg.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		sub.Close()
		return err
	}

	rb.cancel = cancel
	rb.unsubscribe = rb.cfg.Bus.Subscribe(rb.cfg.Topic, rb.enqueue)

	rb.wg.Add(2)
	go rb.listen(ctx, sub)
	go rb.publishLoop(context.WithoutCancel(ctx))

	rb.logger.Info("Event bridge started")
	return nil
}

func (rb *RedisBridge[T]) enqueue(payload T) {
	if rb.cfg.Outbound != nil && !rb.cfg.Outbound(payload) {
		return
	}
	select {
	case rb.outbox <- envelope[T]{Origin: rb.origin, Payload: payload}:
	default:
		rb.logger.Warn("Event outbox full, dropping event")
	}
}

// publishLoop sends queued events until Close, then flushes what is left
// within one PublishTimeout.
func (rb *RedisBridge[T]) publishLoop(ctx context.Context) {
	defer rb.wg.Done()
	for {
		select {
		case msg := <-rb.outbox:
			rb.publish(ctx, msg)
		case <-rb.stop:
			rb.flush(ctx)
			return
		}
	}
}

func (rb *RedisBridge[T]) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, rb.cfg.PublishTimeout)
	defer cancel()
	for {
		select {
		case msg := <-rb.outbox:
			rb.publish(ctx, msg)
		default:
			return
		}
	}
}

func (rb *RedisBridge[T]) publish(ctx context.Context, msg envelope[T]) {
	pctx, cancel := context.WithTimeout(ctx, rb.cfg.PublishTimeout)
	defer cancel()
	if err := rb.cfg.Client.Publish(pctx, rb.cfg.Channel, msg); err != nil {
		rb.logger.Warn("Failed to publish event", logging.Err(err))
	}
}

func (rb *RedisBridge[T]) listen(ctx context.Context, sub *goredis.PubSub) {
	defer rb.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			rb.handle(msg.Payload)
		}
	}
}

func (rb *RedisBridge[T]) handle(raw string) {
	var msg envelope[T]
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		rb.logger.Warn("Dropping malformed event", logging.Err(err))
		return
	}
	if msg.Origin == rb.origin {
		return
	}
	if rb.cfg.OnRemote != nil {
		rb.cfg.OnRemote(msg.Payload)
	}
}

// Close stops forwarding, flushes queued events and waits for the listener
// and publisher to exit.
func (rb *RedisBridge[T]) Close() error {
	if rb.unsubscribe != nil {
		rb.unsubscribe()
	}
	if rb.cancel == nil {
		return nil
	}
	rb.closeOnce.Do(func() {
		close(rb.stop)
		rb.cancel()
	})
	rb.wg.Wait()
	return nil
}
