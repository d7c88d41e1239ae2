package enums

import "fmt"

// OutboxDLQErrorReason maps to outbox_dlq.error_reason.
type OutboxDLQErrorReason string

const (
	// OutboxDLQReasonMaxAttempts: the topic kept failing until the retry budget ran out.
	OutboxDLQReasonMaxAttempts OutboxDLQErrorReason = "max_attempts"
	// OutboxDLQReasonNonRetryable: publishing failed in a way retries cannot fix.
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
	// OutboxDLQReasonUnknownEvent: the row names an event or aggregate the relay does not route.
	OutboxDLQReasonUnknownEvent OutboxDLQErrorReason = "unknown_event"
	// OutboxDLQReasonPayloadDecode: the envelope or its data does not decode into the event payload.
	OutboxDLQReasonPayloadDecode OutboxDLQErrorReason = "payload_decode"
	// OutboxDLQReasonExpired: an advisory event (claimable broadcast) went stale before delivery.
	OutboxDLQReasonExpired OutboxDLQErrorReason = "expired"
)

var validOutboxDLQErrorReasons = []OutboxDLQErrorReason{
	OutboxDLQReasonMaxAttempts,
	OutboxDLQReasonNonRetryable,
	OutboxDLQReasonUnknownEvent,
	OutboxDLQReasonPayloadDecode,
	OutboxDLQReasonExpired,
}

func (r OutboxDLQErrorReason) IsValid() bool {
	for _, candidate := range validOutboxDLQErrorReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// Replayable reports whether a dead-lettered row could be re-queued as is.
// Broken rows and stale broadcasts must be fixed or dropped instead.
func (r OutboxDLQErrorReason) Replayable() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonNonRetryable
}

// ParseOutboxDLQErrorReason converts raw input into OutboxDLQErrorReason.
func ParseOutboxDLQErrorReason(value string) (OutboxDLQErrorReason, error) {
	for _, candidate := range validOutboxDLQErrorReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dlq error reason %q", value)
}
