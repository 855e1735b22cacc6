package dhcp4c

import (
	"net"
	"testing"

	"github.com/bengal/n-dhcp4/internal/ioready"
	"github.com/bengal/n-dhcp4/internal/message"
	"github.com/bengal/n-dhcp4/internal/socket"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopNotifier discards every Add/Remove call, for constructing Connection
// values in tests that never call Listen or Connect.
type noopNotifier struct{}

func (noopNotifier) Add(int, ioready.Tag) error { return nil }
func (noopNotifier) Remove(int) error           { return nil }

// fakeRead is one scripted response from a fake socket's Recv method.
type fakeRead struct {
	data []byte
	err  error
}

// fakePacketConn is a packetConn double that plays back a scripted sequence
// of reads and records the datagrams it was asked to broadcast. It lets
// tests drive Connection.Dispatch's drain ordering (spec.md §8) and the
// link-broadcast phase operations without a real interface or root
// privileges.
type fakePacketConn struct {
	reads             []fakeRead
	idx               int
	closed            bool
	broadcasts        int
	lastBroadcastData []byte
}

func (f *fakePacketConn) Recv(buf []byte) (int, error) {
	if f.idx >= len(f.reads) {
		return 0, socket.ErrWouldBlock
	}

	r := f.reads[f.idx]
	f.idx++

	if r.err != nil {
		return 0, r.err
	}

	return copy(buf, r.data), nil
}

func (f *fakePacketConn) Broadcast(payload []byte, _ net.HardwareAddr) error {
	f.broadcasts++
	f.lastBroadcastData = payload

	return nil
}

func (f *fakePacketConn) FD() (int, error) { return 1, nil }

func (f *fakePacketConn) Close() error {
	f.closed = true

	return nil
}

// fakeUDPConn is a udpConn double, the UDP-socket counterpart of
// fakePacketConn.
type fakeUDPConn struct {
	reads        []fakeRead
	idx          int
	unicasts     int
	udpBroadcast int
}

func (f *fakeUDPConn) Recv(buf []byte) (int, error) {
	if f.idx >= len(f.reads) {
		return 0, socket.ErrWouldBlock
	}

	r := f.reads[f.idx]
	f.idx++

	if r.err != nil {
		return 0, r.err
	}

	return copy(buf, r.data), nil
}

func (f *fakeUDPConn) Unicast([]byte) error {
	f.unicasts++

	return nil
}

func (f *fakeUDPConn) Broadcast([]byte) error {
	f.udpBroadcast++

	return nil
}

func (f *fakeUDPConn) FD() (int, error) { return 2, nil }

func (f *fakeUDPConn) Close() error { return nil }

func testIfi() *net.Interface {
	return &net.Interface{Index: 1, Name: "eth-test", HardwareAddr: net.HardwareAddr{0, 1, 2, 3, 4, 5}}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateInit:     "INIT",
		StatePacket:   "PACKET",
		StateDraining: "DRAINING",
		StateUDP:      "UDP",
		State(99):     "State(99)",
	}

	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestNewConnection_invalidHlen(t *testing.T) {
	chaddr := net.HardwareAddr(make([]byte, 17))

	_, err := NewConnection(
		testIfi(), uint16(iana.HWTypeEthernet), 17, chaddr, chaddr, nil, false, noopNotifier{}, 0,
	)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewConnection_invalidIDLen(t *testing.T) {
	chaddr := net.HardwareAddr{0, 1, 2, 3, 4, 5}

	_, err := NewConnection(
		testIfi(), uint16(iana.HWTypeEthernet), 6, chaddr, chaddr, []byte{0x01}, false, noopNotifier{}, 0,
	)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewConnection_infiniBandForcesBroadcast(t *testing.T) {
	chaddr := net.HardwareAddr{0, 1, 2, 3, 4, 5}

	c, err := NewConnection(
		testIfi(), arphrdInfiniBand, 6, chaddr, chaddr, nil, false, noopNotifier{}, 0,
	)
	require.NoError(t, err)
	assert.True(t, c.requestBroadcast)
	assert.False(t, c.sendChaddr)
}

func TestConnection_requireState_panics(t *testing.T) {
	chaddr := net.HardwareAddr{0, 1, 2, 3, 4, 5}

	c, err := NewConnection(
		testIfi(), uint16(iana.HWTypeEthernet), 6, chaddr, chaddr, nil, false, noopNotifier{}, 0,
	)
	require.NoError(t, err)

	assert.Panics(t, func() { _ = c.Discover(1, 1) })
}

func TestConnection_phaseOperations_requireSecs(t *testing.T) {
	chaddr := net.HardwareAddr{0, 1, 2, 3, 4, 5}

	c, err := NewConnection(
		testIfi(), uint16(iana.HWTypeEthernet), 6, chaddr, chaddr, nil, false, noopNotifier{}, 0,
	)
	require.NoError(t, err)
	c.state = StatePacket

	assert.Panics(t, func() { _ = c.Discover(1, 0) })
}

func TestConnection_identityMatches(t *testing.T) {
	chaddr := net.HardwareAddr{0xa, 0xb, 0xc, 0xd, 0xe, 0xf}

	c, err := NewConnection(
		testIfi(), uint16(iana.HWTypeEthernet), 6, chaddr, chaddr, []byte{0x01, 0x02}, false, noopNotifier{}, 0,
	)
	require.NoError(t, err)

	match := message.NewOutgoing(message.OverloadNone)
	match.HeaderMut().ClientHWAddr = chaddr
	match.HeaderMut().UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionClientIdentifier, []byte{0x01, 0x02}))

	parsed, err := message.ParseIncoming(match.Raw())
	require.NoError(t, err)
	assert.True(t, c.identityMatches(parsed))

	mismatch := message.NewOutgoing(message.OverloadNone)
	mismatch.HeaderMut().ClientHWAddr = net.HardwareAddr{1, 1, 1, 1, 1, 1}

	parsedMismatch, err := message.ParseIncoming(mismatch.Raw())
	require.NoError(t, err)
	assert.False(t, c.identityMatches(parsedMismatch))
}

func TestConnection_identityMatches_noConfiguredID(t *testing.T) {
	chaddr := net.HardwareAddr{0xa, 0xb, 0xc, 0xd, 0xe, 0xf}

	c, err := NewConnection(
		testIfi(), uint16(iana.HWTypeEthernet), 6, chaddr, chaddr, nil, false, noopNotifier{}, 0,
	)
	require.NoError(t, err)

	m := message.NewOutgoing(message.OverloadNone)
	m.HeaderMut().ClientHWAddr = chaddr

	parsed, err := message.ParseIncoming(m.Raw())
	require.NoError(t, err)
	assert.True(t, c.identityMatches(parsed))

	m.HeaderMut().UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionClientIdentifier, []byte{0x09}))
	parsedWithID, err := message.ParseIncoming(m.Raw())
	require.NoError(t, err)
	assert.False(t, c.identityMatches(parsedWithID))
}

func TestConnection_appendMaxMessageSize_usesMTUBeforeBound(t *testing.T) {
	chaddr := net.HardwareAddr{0, 1, 2, 3, 4, 5}

	c, err := NewConnection(
		testIfi(), uint16(iana.HWTypeEthernet), 6, chaddr, chaddr, nil, false, noopNotifier{}, 0,
		WithMTU(1500),
	)
	require.NoError(t, err)
	c.state = StatePacket

	m := c.newMessage(dhcpv4.MessageTypeDiscover)
	c.appendMaxMessageSize(m)

	data := m.HeaderMut().Options.Get(dhcpv4.OptionMaximumDHCPMessageSize)
	assert.NotEmpty(t, data)
}

func TestConnection_appendMaxMessageSize_usesUDPMaxOnceBound(t *testing.T) {
	chaddr := net.HardwareAddr{0, 1, 2, 3, 4, 5}

	c, err := NewConnection(
		testIfi(), uint16(iana.HWTypeEthernet), 6, chaddr, chaddr, nil, false, noopNotifier{}, 0,
		WithMTU(1500),
	)
	require.NoError(t, err)
	c.state = StateUDP

	m := c.newMessage(dhcpv4.MessageTypeRequest)
	c.appendMaxMessageSize(m)

	data := m.HeaderMut().Options.Get(dhcpv4.OptionMaximumDHCPMessageSize)
	require.NotEmpty(t, data)
	assert.Equal(t, []byte{0x02, 0x40}, data) // 576 big-endian
}

func TestConnection_Close_fromInit(t *testing.T) {
	chaddr := net.HardwareAddr{0, 1, 2, 3, 4, 5}

	c, err := NewConnection(
		testIfi(), uint16(iana.HWTypeEthernet), 6, chaddr, chaddr, nil, false, noopNotifier{}, 0,
	)
	require.NoError(t, err)

	assert.NoError(t, c.Close())
	assert.Equal(t, StateInit, c.State())
}

// TestConnection_Dispatch_drainsPacketSocketBeforeUDP is spec.md §8's
// literal boundary scenario: a message queued on the packet socket is
// returned before a message queued on the UDP socket, and the packet
// socket is torn down the moment draining completes.
func TestConnection_Dispatch_drainsPacketSocketBeforeUDP(t *testing.T) {
	chaddr := net.HardwareAddr{0, 1, 2, 3, 4, 5}

	c, err := NewConnection(
		testIfi(), uint16(iana.HWTypeEthernet), 6, chaddr, chaddr, nil, false, noopNotifier{}, 0,
	)
	require.NoError(t, err)

	offer := message.NewOutgoing(message.OverloadNone)
	offer.HeaderMut().ClientHWAddr = chaddr
	offer.HeaderMut().UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeOffer))

	ack := message.NewOutgoing(message.OverloadNone)
	ack.HeaderMut().ClientHWAddr = chaddr
	ack.HeaderMut().UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))

	pc := &fakePacketConn{reads: []fakeRead{{data: offer.Raw()}}}
	uc := &fakeUDPConn{reads: []fakeRead{{data: ack.Raw()}}}

	c.state = StateDraining
	c.pfd = pc
	c.ufd = uc

	first, err := c.Dispatch()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, dhcpv4.MessageTypeOffer, first.Header().MessageType())
	assert.Equal(t, StateDraining, c.State())
	assert.NotNil(t, c.pfd)
	assert.Equal(t, uint64(1), c.Stats.RecvOffers)

	second, err := c.Dispatch()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, dhcpv4.MessageTypeAck, second.Header().MessageType())
	assert.Equal(t, StateUDP, c.State())
	assert.Nil(t, c.pfd)
	assert.True(t, pc.closed)
	assert.Equal(t, uint64(1), c.Stats.RecvAcks)
}

func TestConnection_Decline_broadcastsOnLinkLayer(t *testing.T) {
	chaddr := net.HardwareAddr{0, 1, 2, 3, 4, 5}

	c, err := NewConnection(
		testIfi(), uint16(iana.HWTypeEthernet), 6, chaddr, chaddr, nil, false, noopNotifier{}, 0,
	)
	require.NoError(t, err)

	pc := &fakePacketConn{}
	c.state = StatePacket
	c.pfd = pc

	declined := net.IPv4(192, 0, 2, 10)
	serverID := net.IPv4(192, 0, 2, 1)

	require.NoError(t, c.Decline(1, 1, declined, serverID, "duplicate address detected"))
	assert.Equal(t, 1, pc.broadcasts)
	assert.Equal(t, uint64(1), c.Stats.SendDeclines)

	parsed, err := message.ParseIncoming(pc.lastBroadcastData)
	require.NoError(t, err)

	reqIP, ok := parsed.Query(dhcpv4.OptionRequestedIPAddress)
	require.True(t, ok)
	assert.True(t, net.IP(reqIP).Equal(declined))

	srvID, ok := parsed.Query(dhcpv4.OptionServerIdentifier)
	require.True(t, ok)
	assert.True(t, net.IP(srvID).Equal(serverID))

	errMsg, ok := parsed.Query(dhcpv4.OptionMessage)
	require.True(t, ok)
	assert.Equal(t, []byte("duplicate address detected\x00"), errMsg)
}

// TestConnection_Decline_requiresPacketState confirms Decline is rejected
// outside PACKET rather than silently sent over UDP: RFC 2131 §4.4.4
// requires DHCPDECLINE to be link-layer broadcast, never sent over a bound
// UDP path (spec.md §4.3).
func TestConnection_Decline_requiresPacketState(t *testing.T) {
	chaddr := net.HardwareAddr{0, 1, 2, 3, 4, 5}

	c, err := NewConnection(
		testIfi(), uint16(iana.HWTypeEthernet), 6, chaddr, chaddr, nil, false, noopNotifier{}, 0,
	)
	require.NoError(t, err)

	uc := &fakeUDPConn{}
	c.state = StateUDP
	c.ufd = uc

	assert.Panics(t, func() {
		_ = c.Decline(1, 1, net.IPv4(192, 0, 2, 10), net.IPv4(192, 0, 2, 1), "")
	})
	assert.Zero(t, uc.unicasts)
}
