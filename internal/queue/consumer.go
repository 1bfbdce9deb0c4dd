package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/service-dispatch/internal/logger"
)

// Handler processes one delivery.  Returning an error rejects the message;
// Requeue decides whether the broker should deliver it again.
type Handler func(ctx context.Context, d amqp.Delivery) error

// ConsumerOptions describe the queue a consumer reads.  When Exchange is
// set the queue is bound to it (topic) with Keys; otherwise the queue is
// read directly.
type ConsumerOptions struct {
	URL      string
	Queue    string
	Exchange string
	Keys     []string
	Prefetch int

	// Requeue reports whether a failed message should go back on the
	// queue.  Nil means never, which avoids tight redelivery loops.
	Requeue func(err error) bool
}

// Consume keeps a consumer running until ctx is cancelled, redialing the
// broker with exponential backoff whenever the connection drops.
func Consume(ctx context.Context, opts ConsumerOptions, h Handler, log *logger.Logger) error {
	if log == nil {
		log = logger.Discard()
	}
	log = log.With("queue", opts.Queue)

	backoff := time.Second
	for {
		conn, err := amqp.Dial(opts.URL)
		if err != nil {
			log.Warn("broker dial failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = consumeLoop(ctx, conn, opts, h, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("consume loop ended; reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, opts ConsumerOptions, h Handler, log *logger.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 50
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		log.Warn("set QoS failed", "error", err)
	}
	if err := declare(ch, opts); err != nil {
		return err
	}

	msgs, err := ch.ConsumeWithContext(ctx, opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	for d := range msgs {
		settle(ctx, d, opts, h, log)
	}
	return errors.New("deliveries channel closed")
}

func declare(ch *amqp.Channel, opts ConsumerOptions) error {
	if opts.Exchange != "" {
		if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("exchange declare: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(opts.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	for _, key := range opts.Keys {
		if err := ch.QueueBind(opts.Queue, key, opts.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// settle runs h on d and acks or nacks it.
func settle(ctx context.Context, d amqp.Delivery, opts ConsumerOptions, h Handler, log *logger.Logger) {
	if err := h(ctx, d); err != nil {
		requeue := opts.Requeue != nil && opts.Requeue(err)
		log.Warn("message rejected", "routing_key", d.RoutingKey, "requeue", requeue, "error", err)
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}
