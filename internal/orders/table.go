package orders

import (
	"github.com/angelmondragon/dispatchcore/pkg/enums"
)

type edge struct {
	from enums.OrderStatus
	to   enums.OrderStatus
}

// cancelActors may cancel from any non-terminal status. A driver only has
// rights once assigned, so an unclaimed order cannot be cancelled by one.
var cancelActors = []enums.ActorType{enums.ActorMerchant, enums.ActorCustomer, enums.ActorDriver, enums.ActorSystem}

// transitionTable lists which actor types may request each edge. Ownership
// of the specific order is checked separately under lock.
var transitionTable = map[edge][]enums.ActorType{
	{enums.OrderStatusPending, enums.OrderStatusAccepted}:   {enums.ActorMerchant, enums.ActorDriver, enums.ActorSystem},
	{enums.OrderStatusAccepted, enums.OrderStatusPreparing}: {enums.ActorMerchant, enums.ActorSystem},
	{enums.OrderStatusPreparing, enums.OrderStatusReady}:    {enums.ActorMerchant, enums.ActorSystem},
	{enums.OrderStatusReady, enums.OrderStatusPickedUp}:     {enums.ActorDriver, enums.ActorSystem},
	{enums.OrderStatusPickedUp, enums.OrderStatusOnTheWay}:  {enums.ActorDriver, enums.ActorSystem},
	{enums.OrderStatusOnTheWay, enums.OrderStatusDelivered}: {enums.ActorDriver, enums.ActorSystem},

	{enums.OrderStatusPending, enums.OrderStatusCancelled}:   cancelActors,
	{enums.OrderStatusAccepted, enums.OrderStatusCancelled}:  cancelActors,
	{enums.OrderStatusPreparing, enums.OrderStatusCancelled}: cancelActors,
	{enums.OrderStatusReady, enums.OrderStatusCancelled}:     cancelActors,
	{enums.OrderStatusPickedUp, enums.OrderStatusCancelled}:  cancelActors,
	{enums.OrderStatusOnTheWay, enums.OrderStatusCancelled}:  cancelActors,
}

// Allowed reports whether actor may move an order from one status to another.
func Allowed(actor enums.ActorType, from, to enums.OrderStatus) bool {
	for _, candidate := range transitionTable[edge{from: from, to: to}] {
		if candidate == actor {
			return true
		}
	}
	return false
}

// Targets lists the statuses actor may move an order to from status.
func Targets(actor enums.ActorType, from enums.OrderStatus) []enums.OrderStatus {
	out := make([]enums.OrderStatus, 0, 2)
	for _, to := range []enums.OrderStatus{
		enums.OrderStatusAccepted,
		enums.OrderStatusPreparing,
		enums.OrderStatusReady,
		enums.OrderStatusPickedUp,
		enums.OrderStatusOnTheWay,
		enums.OrderStatusDelivered,
		enums.OrderStatusCancelled,
	} {
		if Allowed(actor, from, to) {
			out = append(out, to)
		}
	}
	return out
}

// isClaimEdge marks the edges that assign a driver and therefore go through
// the acceptance gate.
func isClaimEdge(from, to enums.OrderStatus) bool {
	return (from == enums.OrderStatusPending && to == enums.OrderStatusAccepted) ||
		(from == enums.OrderStatusReady && to == enums.OrderStatusPickedUp)
}
