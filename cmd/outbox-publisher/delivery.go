package main

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/enums"
	"github.com/angelmondragon/dispatchcore/pkg/outbox/payloads"
)

const (
	defaultClaimableMaxAge = 15 * time.Minute
	advisoryMaxAttempts    = 3
)

// delivery is how the relay treats one event type.
type delivery struct {
	// orderingKey groups messages consumers must apply in commit order.
	orderingKey func(event models.OutboxEvent, payload any) string
	// attributes are Pub/Sub attributes subscribers filter on.
	attributes func(payload any) map[string]string
	// critical events assign drivers or move money; dead-lettering one pages.
	critical bool
	// advisory events get a small retry budget and expire once stale.
	advisory bool
}

func deliveryFor(eventType enums.OutboxEventType) delivery {
	switch eventType {
	case enums.EventOrderClaimed:
		return delivery{orderingKey: byOrder, attributes: claimedAttributes, critical: true}
	case enums.EventEarningSettled:
		return delivery{orderingKey: byDriver, attributes: earningAttributes, critical: true}
	case enums.EventOrderStatusChanged:
		return delivery{orderingKey: byOrder, attributes: statusAttributes}
	case enums.EventOrderClaimable:
		return delivery{advisory: true}
	default:
		return delivery{orderingKey: byOrder}
	}
}

// attemptBudget caps publish attempts for this event type.
func (d delivery) attemptBudget(maxAttempts int) int {
	if d.advisory && maxAttempts > advisoryMaxAttempts {
		return advisoryMaxAttempts
	}
	return maxAttempts
}

// expired reports whether an advisory event is too old to be worth sending.
// Events with no known age are delivered.
func (d delivery) expired(occurredAt, now time.Time, maxAge time.Duration) bool {
	if !d.advisory || occurredAt.IsZero() || maxAge <= 0 {
		return false
	}
	return now.Sub(occurredAt) > maxAge
}

func byOrder(event models.OutboxEvent, _ any) string {
	return event.AggregateID.String()
}

// byDriver keys earnings per driver so a wallet consumer applies them in order.
func byDriver(event models.OutboxEvent, payload any) string {
	if settled, ok := payload.(*payloads.EarningSettledEvent); ok && settled.DriverID != uuid.Nil {
		return settled.DriverID.String()
	}
	return event.AggregateID.String()
}

func claimedAttributes(payload any) map[string]string {
	claimed, ok := payload.(*payloads.OrderClaimedEvent)
	if !ok {
		return nil
	}
	return map[string]string{
		"driver_id": claimed.DriverID.String(),
		"to_status": string(claimed.To),
	}
}

func statusAttributes(payload any) map[string]string {
	changed, ok := payload.(*payloads.OrderStatusChangedEvent)
	if !ok {
		return nil
	}
	return map[string]string{
		"from_status": string(changed.From),
		"to_status":   string(changed.To),
	}
}

func earningAttributes(payload any) map[string]string {
	settled, ok := payload.(*payloads.EarningSettledEvent)
	if !ok {
		return nil
	}
	return map[string]string{
		"driver_id":   settled.DriverID.String(),
		"net_clamped": strconv.FormatBool(settled.NetClamped),
	}
}
