package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/service-dispatch/internal/model"
	"github.com/iliyamo/service-dispatch/internal/repository"
	"github.com/iliyamo/service-dispatch/internal/service"
)

// JSONPublisher is the publishing half of Publisher.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, exchange, key string, v any) error
}

// JobTransport delivers claimed jobs through a durable work queue so any
// instance can run them.
type JobTransport struct {
	Pub   JSONPublisher
	Queue string
}

// Dispatch implements scheduler.Transport.
func (t JobTransport) Dispatch(ctx context.Context, j model.DeferredJob) error {
	return t.Pub.PublishJSON(ctx, "", t.Queue, JobMessage{JobID: j.ID, Kind: string(j.Kind)})
}

// Executor runs a delivered job by id.
type Executor interface {
	Execute(ctx context.Context, id string) error
}

var errBadMessage = errors.New("malformed message")

// JobHandler returns the consumer handler for the jobs queue.
func JobHandler(x Executor) Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		var m JobMessage
		if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
			return errBadMessage
		}
		if err := x.Execute(ctx, m.JobID); err != nil {
			return fmt.Errorf("job %s: %w", m.JobID, err)
		}
		return nil
	}
}

// PaymentSink reacts to a captured payment.
type PaymentSink interface {
	PaymentCaptured(ctx context.Context, paymentID uint64) (*model.Payment, error)
}

// PaymentHandler returns the consumer handler for payment events.  Other
// routing keys are acknowledged and ignored.
func PaymentHandler(sink PaymentSink) Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		if d.RoutingKey != PaymentCapturedRoutingKey {
			return nil
		}
		var ev PaymentCapturedEvent
		if err := json.Unmarshal(d.Body, &ev); err != nil || ev.Data.PaymentID == 0 {
			return errBadMessage
		}
		_, err := sink.PaymentCaptured(ctx, ev.Data.PaymentID)
		if errors.Is(err, repository.ErrPreconditionFailed) {
			// Already released or failed; nothing to hold.
			return nil
		}
		return err
	}
}

// RequeueUnavailable requeues messages that failed because the store was
// unreachable.
func RequeueUnavailable(err error) bool {
	return errors.Is(err, service.ErrServiceUnavailable)
}
