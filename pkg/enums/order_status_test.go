package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatusSets(t *testing.T) {
	tests := []struct {
		status   OrderStatus
		claimed  bool
		active   bool
		terminal bool
	}{
		{status: OrderStatusPending},
		{status: OrderStatusAccepted, claimed: true, active: true},
		{status: OrderStatusPreparing, claimed: true, active: true},
		{status: OrderStatusReady, claimed: true, active: true},
		{status: OrderStatusPickedUp, claimed: true, active: true},
		{status: OrderStatusOnTheWay, claimed: true, active: true},
		{status: OrderStatusDelivered, claimed: true, terminal: true},
		{status: OrderStatusCancelled, terminal: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.True(t, tt.status.IsValid())
			assert.Equal(t, tt.claimed, tt.status.IsClaimed())
			assert.Equal(t, tt.active, tt.status.IsActive())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestParseOrderStatus(t *testing.T) {
	status, err := ParseOrderStatus("on_the_way")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOnTheWay, status)

	_, err = ParseOrderStatus("in_transit")
	require.Error(t, err)
}

func TestParseActorType(t *testing.T) {
	actor, err := ParseActorType("driver")
	require.NoError(t, err)
	assert.Equal(t, ActorDriver, actor)

	_, err = ParseActorType("admin")
	require.Error(t, err)
}
