package encoding

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketError(t *testing.T) {
	t.Run("Error method with message", func(t *testing.T) {
		pktErr := &PacketError{
			Err:     ErrMalformedPacket,
			Type:    PUBLISH,
			Message: "invalid variable byte integer",
		}
		expected := "malformed packet: invalid variable byte integer"
		assert.Equal(t, expected, pktErr.Error())
	})

	t.Run("Error method without message", func(t *testing.T) {
		pktErr := &PacketError{
			Err:  ErrMalformedPacket,
			Type: PUBLISH,
		}
		assert.Equal(t, "malformed packet", pktErr.Error())
	})

	t.Run("Unwrap method", func(t *testing.T) {
		pktErr := &PacketError{
			Err:     ErrMalformedPacket,
			Type:    PUBLISH,
			Message: "test",
		}
		assert.Equal(t, ErrMalformedPacket, pktErr.Unwrap())
	})
}

func TestNewMalformedPacketError(t *testing.T) {
	err := NewMalformedPacketError(SUBSCRIBE, ErrInvalidQoS, "QoS value is 3")

	require.NotNil(t, err)
	assert.Equal(t, SUBSCRIBE, err.Type)
	assert.Equal(t, ErrInvalidQoS, err.Err)
	assert.Equal(t, "QoS value is 3", err.Message)
	assert.Contains(t, err.Error(), "invalid QoS level")
	assert.Contains(t, err.Error(), "QoS value is 3")
}

func TestErrorPropagation(t *testing.T) {
	t.Run("Error chain with Is", func(t *testing.T) {
		pktErr := NewMalformedPacketError(PUBLISH, ErrInvalidQoS, "test")
		assert.True(t, errors.Is(pktErr, ErrInvalidQoS))
	})

	t.Run("Error chain with As", func(t *testing.T) {
		pktErr := NewMalformedPacketError(PUBREL, ErrInvalidFlags, "test")
		var target *PacketError
		assert.True(t, errors.As(pktErr, &target))
		assert.Equal(t, PUBREL, target.Type)
	})
}

func TestMalformedPacketErrors(t *testing.T) {
	assert.NotNil(t, ErrInvalidConnectFlags)
	assert.NotNil(t, ErrInvalidWillQoS)
	assert.NotNil(t, ErrWillFlagMismatch)
	assert.NotNil(t, ErrMissingPacketID)
	assert.NotNil(t, ErrInvalidPacketIDZero)
	assert.NotNil(t, ErrInvalidRemainingLength)
	assert.NotNil(t, ErrInvalidTopicName)
	assert.NotNil(t, ErrInvalidTopicFilter)
	assert.NotNil(t, ErrEmptyTopicFilter)
	assert.NotNil(t, ErrInvalidSubscriptionOpts)
	assert.NotNil(t, ErrEmptySubscriptionList)
	assert.NotNil(t, ErrEmptyUnsubscribeList)
	assert.NotNil(t, ErrPayloadTooLarge)
	assert.NotNil(t, ErrInvalidPublishTopicName)
	assert.NotNil(t, ErrUsernameWithoutFlag)
	assert.NotNil(t, ErrPasswordWithoutFlag)
	assert.NotNil(t, ErrPasswordWithoutUsername)
}

func TestConnackReturnCodeErrors(t *testing.T) {
	assert.NotNil(t, ErrConnRefusedProtocolVersion)
	assert.NotNil(t, ErrConnRefusedIdentifier)
	assert.NotNil(t, ErrConnRefusedServerUnavail)
	assert.NotNil(t, ErrConnRefusedBadCredentials)
	assert.NotNil(t, ErrConnRefusedNotAuthorized)
	assert.NotNil(t, ErrConnRefusedUnknown)
}
