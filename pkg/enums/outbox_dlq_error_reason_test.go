package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxDLQErrorReasonReplayable(t *testing.T) {
	replayable := map[OutboxDLQErrorReason]bool{
		OutboxDLQReasonMaxAttempts:   true,
		OutboxDLQReasonNonRetryable:  true,
		OutboxDLQReasonUnknownEvent:  false,
		OutboxDLQReasonPayloadDecode: false,
		OutboxDLQReasonExpired:       false,
	}
	for reason, want := range replayable {
		assert.True(t, reason.IsValid(), reason)
		assert.Equal(t, want, reason.Replayable(), reason)
	}
	assert.Len(t, replayable, len(validOutboxDLQErrorReasons))
}

func TestParseOutboxDLQErrorReason(t *testing.T) {
	reason, err := ParseOutboxDLQErrorReason("payload_decode")
	require.NoError(t, err)
	assert.Equal(t, OutboxDLQReasonPayloadDecode, reason)

	_, err = ParseOutboxDLQErrorReason("timeout")
	require.Error(t, err)
}
