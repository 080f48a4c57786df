package mqttclient

import (
	"math"
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
)

func TestServerCapabilities(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		caps := serverCapabilities(nil)
		assert.True(t, caps.RetainAvailable)
		assert.True(t, caps.SharedSubscriptions)
		assert.Equal(t, byte(2), caps.MaximumQoS)
		assert.Equal(t, uint16(math.MaxUint16), caps.ReceiveMaximum)
		assert.Zero(t, caps.MaximumPacketSize)
		assert.Nil(t, caps.SessionExpiryInterval)
	})

	t.Run("announced", func(t *testing.T) {
		qos := byte(1)
		recv := uint16(20)
		size := uint32(1024)
		expiry := uint32(300)
		caps := serverCapabilities(&paho.ConnackProperties{
			MaximumQoS:            &qos,
			ReceiveMaximum:        &recv,
			MaximumPacketSize:     &size,
			SessionExpiryInterval: &expiry,
			WildcardSubAvailable:  true,
		})
		assert.False(t, caps.RetainAvailable)
		assert.True(t, caps.WildcardSubscriptions)
		assert.False(t, caps.SharedSubscriptions)
		assert.Equal(t, byte(1), caps.MaximumQoS)
		assert.Equal(t, uint16(20), caps.ReceiveMaximum)
		assert.Equal(t, uint32(1024), caps.MaximumPacketSize)
		assert.Equal(t, &expiry, caps.SessionExpiryInterval)
	})
}
