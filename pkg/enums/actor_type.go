package enums

import "fmt"

// ActorType identifies who requests an order mutation.
type ActorType string

const (
	ActorMerchant ActorType = "merchant"
	ActorDriver   ActorType = "driver"
	ActorCustomer ActorType = "customer"
	ActorSystem   ActorType = "system"
)

var validActorTypes = []ActorType{
	ActorMerchant,
	ActorDriver,
	ActorCustomer,
	ActorSystem,
}

func (a ActorType) IsValid() bool {
	for _, candidate := range validActorTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseActorType converts raw input into ActorType.
func ParseActorType(value string) (ActorType, error) {
	for _, candidate := range validActorTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid actor type %q", value)
}
