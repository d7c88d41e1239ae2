package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/dispatchcore/pkg/enums"
	"github.com/angelmondragon/dispatchcore/pkg/logger"
	"github.com/angelmondragon/dispatchcore/pkg/outbox"
	"github.com/angelmondragon/dispatchcore/pkg/outbox/payloads"
)

const driverFanoutConsumer = "driver-fanout"

// Publisher sends one message to the driver fan-out topic.
type Publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) error
}

type guard interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Delete(ctx context.Context, consumer string, eventID uuid.UUID) error
}

// FanOut advertises claimable orders to nearby drivers, once per order and
// claimable status. Notifications are advisory: claims are decided by the
// acceptance gate regardless of who was notified.
type FanOut struct {
	guard     guard
	publisher Publisher
	logg      *logger.Logger
}

func NewFanOut(g guard, publisher Publisher, logg *logger.Logger) (*FanOut, error) {
	if publisher == nil {
		return nil, fmt.Errorf("fanout publisher required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &FanOut{guard: g, publisher: publisher, logg: logg}, nil
}

// NotifyDrivers publishes the claimable event unless this order was already
// advertised in the same status. It reports whether a message went out.
// A guard outage does not block the message; duplicates are tolerated.
func (f *FanOut) NotifyDrivers(ctx context.Context, event payloads.OrderClaimableEvent, envelope outbox.PayloadEnvelope) (bool, error) {
	if event.OrderID == uuid.Nil {
		return false, errors.New("order id required")
	}
	logCtx := f.logg.WithOrderID(ctx, event.OrderID.String())
	logCtx = f.logg.WithField(logCtx, "status", string(event.Status))

	consumer := guardConsumer(event.Status)
	guarded := false
	if f.guard != nil {
		already, err := f.guard.CheckAndMarkProcessed(ctx, consumer, event.OrderID)
		switch {
		case err != nil:
			f.logg.Warn(f.logg.WithField(logCtx, "error", err.Error()), "fanout guard unavailable, notifying anyway")
		case already:
			f.logg.Debug(logCtx, "drivers already notified")
			return false, nil
		default:
			guarded = true
		}
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		f.release(ctx, guarded, consumer, event.OrderID)
		return false, fmt.Errorf("encode fanout envelope: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_id":    envelope.EventID,
			"event_type":  string(enums.EventOrderClaimable),
			"order_id":    event.OrderID.String(),
			"merchant_id": event.MerchantID.String(),
			"status":      string(event.Status),
		},
	}
	if err := f.publisher.Publish(ctx, msg); err != nil {
		f.release(ctx, guarded, consumer, event.OrderID)
		return false, err
	}
	f.logg.Info(logCtx, "drivers notified")
	return true, nil
}

func (f *FanOut) release(ctx context.Context, guarded bool, consumer string, orderID uuid.UUID) {
	if !guarded {
		return
	}
	if err := f.guard.Delete(ctx, consumer, orderID); err != nil {
		f.logg.Error(ctx, "failed to clear fanout guard", err)
	}
}

func guardConsumer(status enums.OrderStatus) string {
	if status == "" {
		return driverFanoutConsumer
	}
	return driverFanoutConsumer + "-" + string(status)
}
