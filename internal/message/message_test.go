package message

import (
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutgoingMessage_Append(t *testing.T) {
	m := NewOutgoing(OverloadNone)

	err := m.Append(dhcpv4.OptionClientIdentifier, []byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	raw := m.Raw()
	assert.NotEmpty(t, raw)

	parsed, err := ParseIncoming(raw)
	require.NoError(t, err)

	data, ok := parsed.Query(dhcpv4.OptionClientIdentifier)
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)
}

func TestOutgoingMessage_Append_overflow(t *testing.T) {
	m := NewOutgoing(OverloadNone)

	err := m.Append(dhcpv4.OptionClientIdentifier, make([]byte, maxOptionLen+1))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestParseIncoming_malformed(t *testing.T) {
	_, err := ParseIncoming([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestIncomingMessage_Query_absent(t *testing.T) {
	m := NewOutgoing(OverloadNone)

	parsed, err := ParseIncoming(m.Raw())
	require.NoError(t, err)

	_, ok := parsed.Query(dhcpv4.OptionServerIdentifier)
	assert.False(t, ok)
}
