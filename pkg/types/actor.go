package types

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/dispatchcore/pkg/enums"
)

// Actor is the party requesting an order mutation.
type Actor struct {
	Type enums.ActorType `json:"type"`
	ID   uuid.UUID       `json:"id"`
}

// SystemActor is used by background jobs.
func SystemActor() Actor {
	return Actor{Type: enums.ActorSystem}
}

func (a Actor) IsSystem() bool {
	return a.Type == enums.ActorSystem
}
