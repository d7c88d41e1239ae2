package enums

// ClaimOutcome is the typed result of a driver acceptance attempt.
type ClaimOutcome string

const (
	ClaimOutcomeAccepted           ClaimOutcome = "accepted"
	ClaimOutcomeOrderUnavailable   ClaimOutcome = "order_unavailable"
	ClaimOutcomeActiveOrderExists  ClaimOutcome = "active_order_exists"
	ClaimOutcomeInsufficientWallet ClaimOutcome = "insufficient_wallet_balance"
	ClaimOutcomeBusy               ClaimOutcome = "busy"
)

var validClaimOutcomes = []ClaimOutcome{
	ClaimOutcomeAccepted,
	ClaimOutcomeOrderUnavailable,
	ClaimOutcomeActiveOrderExists,
	ClaimOutcomeInsufficientWallet,
	ClaimOutcomeBusy,
}

func (c ClaimOutcome) IsValid() bool {
	for _, candidate := range validClaimOutcomes {
		if candidate == c {
			return true
		}
	}
	return false
}
