package dhcp4c

import (
	"net"

	"github.com/bengal/n-dhcp4/internal/message"
	"github.com/bengal/n-dhcp4/internal/socket"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// IncomingMessage is the validated inbound message type Dispatch returns.
type IncomingMessage = message.IncomingMessage

// newMessage builds an outbound message of the given type with the header
// fields every phase operation shares: opcode, htype, chaddr (unless
// InfiniBand suppresses it), the requested-broadcast flag, ciaddr, the
// message type, and the client identifier if one is configured (spec.md
// §3, §4.3).
func (c *Connection) newMessage(mtype dhcpv4.MessageType) (m *message.OutgoingMessage) {
	m = message.NewOutgoing(message.OverloadNone)

	h := m.HeaderMut()
	h.HWType = c.hwType()
	h.HopCount = 0
	h.ClientIPAddr = c.ciaddr

	if c.sendChaddr {
		h.ClientHWAddr = c.chaddr
	}

	if c.requestBroadcast {
		h.SetBroadcast()
	}

	h.UpdateOption(dhcpv4.OptMessageType(mtype))

	if len(c.id) > 0 {
		h.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionClientIdentifier, c.id))
	}

	return m
}

// appendMaxMessageSize attaches the Maximum DHCP Message Size option to m,
// for the three phase operations RFC 2131 §4.3.2 lists it for (DISCOVER,
// REQUEST, INFORM). Before a UDP path exists it advertises the configured
// MTU hint, omitted if zero; once a UDP path exists it advertises
// socket.UDPMaxSize, the size the kernel's UDP stack is guaranteed to
// deliver, regardless of the configured hint (spec.md §4.3).
func (c *Connection) appendMaxMessageSize(m *message.OutgoingMessage) {
	switch c.state {
	case StateDraining, StateUDP:
		m.HeaderMut().UpdateOption(dhcpv4.OptMaxMessageSize(socket.UDPMaxSize))
	default:
		if c.mtu != 0 {
			m.HeaderMut().UpdateOption(dhcpv4.OptMaxMessageSize(c.mtu))
		}
	}
}

// setXid stamps xid and secs onto h's header, panicking if secs is zero:
// every phase operation requires a nonzero elapsed-seconds field (spec.md
// §4.3, §7).
func setXid(h *dhcpv4.DHCPv4, xid uint32, secs uint16) {
	if secs == 0 {
		panic("dhcp4c: secs must be nonzero")
	}

	h.TransactionID = dhcpv4.TransactionID{
		byte(xid >> 24), byte(xid >> 16), byte(xid >> 8), byte(xid),
	}
	h.NumSeconds = secs
}

// appendErrorMessage appends the optional human-readable error string
// DECLINE and RELEASE may carry, NUL-terminated as spec.md §4.3 requires.
// It is a no-op if msg is empty.
func appendErrorMessage(m *message.OutgoingMessage, msg string) {
	if msg == "" {
		return
	}

	data := append([]byte(msg), 0)
	m.HeaderMut().UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionMessage, data))
}

// Discover builds and sends a DHCPDISCOVER, broadcast on the link layer.
// Valid only in state PACKET (spec.md §4.1, §4.3).
func (c *Connection) Discover(xid uint32, secs uint16) (err error) {
	c.requireState(StatePacket)

	m := c.newMessage(dhcpv4.MessageTypeDiscover)
	setXid(m.HeaderMut(), xid, secs)
	c.appendMaxMessageSize(m)

	if err = c.linkBroadcast(m); err != nil {
		return err
	}

	c.Stats.SendDiscovers++

	return nil
}

// Select builds and sends a DHCPREQUEST selecting offer, identified by its
// server identifier and offered address, broadcast on the link layer.
// Valid only in state PACKET (spec.md §4.3).
func (c *Connection) Select(xid uint32, secs uint16, requestedIP, serverID net.IP) (err error) {
	c.requireState(StatePacket)

	m := c.newMessage(dhcpv4.MessageTypeRequest)
	setXid(m.HeaderMut(), xid, secs)
	c.appendMaxMessageSize(m)
	m.HeaderMut().UpdateOption(dhcpv4.OptRequestedIPAddress(requestedIP))
	m.HeaderMut().UpdateOption(dhcpv4.OptServerIdentifier(serverID))

	if err = c.linkBroadcast(m); err != nil {
		return err
	}

	c.Stats.SendSelects++

	return nil
}

// Reboot builds and sends a DHCPREQUEST for a previously leased address
// with no known server, broadcast on the link layer (INIT-REBOOT, RFC
// 2131 §4.3.2). Valid only in state PACKET (spec.md §4.3).
func (c *Connection) Reboot(xid uint32, secs uint16, requestedIP net.IP) (err error) {
	c.requireState(StatePacket)

	m := c.newMessage(dhcpv4.MessageTypeRequest)
	setXid(m.HeaderMut(), xid, secs)
	c.appendMaxMessageSize(m)
	m.HeaderMut().UpdateOption(dhcpv4.OptRequestedIPAddress(requestedIP))

	if err = c.linkBroadcast(m); err != nil {
		return err
	}

	c.Stats.SendReboots++

	return nil
}

// Renew builds and sends a DHCPREQUEST unicast to the lease's server.
// Valid in states DRAINING and UDP (spec.md §4.3, §4.4): it is the first
// operation that may run with the UDP socket only partially available.
func (c *Connection) Renew(xid uint32, secs uint16) (err error) {
	c.requireAtLeastDraining()

	m := c.newMessage(dhcpv4.MessageTypeRequest)
	setXid(m.HeaderMut(), xid, secs)
	c.appendMaxMessageSize(m)

	if err = c.udpUnicast(m); err != nil {
		return err
	}

	c.Stats.SendRenews++

	return nil
}

// Rebind builds and sends a DHCPREQUEST broadcast over UDP, for when the
// lease's own server has stopped responding. Valid in states DRAINING and
// UDP (spec.md §4.3, §4.4).
func (c *Connection) Rebind(xid uint32, secs uint16) (err error) {
	c.requireAtLeastDraining()

	m := c.newMessage(dhcpv4.MessageTypeRequest)
	setXid(m.HeaderMut(), xid, secs)
	c.appendMaxMessageSize(m)

	if err = c.udpBroadcast(m); err != nil {
		return err
	}

	c.Stats.SendRebinds++

	return nil
}

// Inform builds and sends a DHCPINFORM unicast to server, for a host that
// already has an address from some other source. Valid in states DRAINING
// and UDP (spec.md §4.3, §4.4).
func (c *Connection) Inform(xid uint32, secs uint16) (err error) {
	c.requireAtLeastDraining()

	m := c.newMessage(dhcpv4.MessageTypeInform)
	setXid(m.HeaderMut(), xid, secs)
	c.appendMaxMessageSize(m)

	if err = c.udpUnicast(m); err != nil {
		return err
	}

	c.Stats.SendInforms++

	return nil
}

// Decline builds and sends a DHCPDECLINE broadcast on the link layer,
// reporting that declinedIP (offered by that server) failed a
// duplicate-address check. errMsg, if non-empty, is carried as a
// NUL-terminated human-readable explanation. Valid only in state PACKET:
// the declined address can't yet be trusted, so RFC 2131 §4.4.4 requires
// DHCPDECLINE to be broadcast rather than sent over a bound UDP path
// (spec.md §4.3, §4.4).
func (c *Connection) Decline(xid uint32, secs uint16, declinedIP, serverID net.IP, errMsg string) (err error) {
	c.requireState(StatePacket)

	m := c.newMessage(dhcpv4.MessageTypeDecline)
	setXid(m.HeaderMut(), xid, secs)
	m.HeaderMut().UpdateOption(dhcpv4.OptRequestedIPAddress(declinedIP))
	m.HeaderMut().UpdateOption(dhcpv4.OptServerIdentifier(serverID))
	appendErrorMessage(m, errMsg)

	if err = c.linkBroadcast(m); err != nil {
		return err
	}

	c.Stats.SendDeclines++

	return nil
}

// Release builds and sends a DHCPRELEASE unicast to server, giving back
// the connection's leased address. errMsg, if non-empty, is carried as a
// NUL-terminated human-readable explanation. Valid in states DRAINING and
// UDP (spec.md §4.3, §4.4).
func (c *Connection) Release(xid uint32, secs uint16, errMsg string) (err error) {
	c.requireAtLeastDraining()

	m := c.newMessage(dhcpv4.MessageTypeRelease)
	setXid(m.HeaderMut(), xid, secs)
	m.HeaderMut().UpdateOption(dhcpv4.OptServerIdentifier(c.siaddr))
	appendErrorMessage(m, errMsg)

	if err = c.udpUnicast(m); err != nil {
		return err
	}

	c.Stats.SendReleases++

	return nil
}

// linkBroadcast sends m over the raw packet socket, addressed to the
// connection's link-layer broadcast address. It requires state PACKET:
// the four pre-lease operations are the only callers (spec.md §4.1, §4.3,
// §6). Counting the send against a Stats field is the caller's job, since
// this helper doesn't know which phase operation it was sent for.
func (c *Connection) linkBroadcast(m *message.OutgoingMessage) (err error) {
	c.requireState(StatePacket)

	return c.pfd.Broadcast(m.Raw(), c.bhaddr)
}

// udpUnicast sends m over the UDP socket to its connected peer. It
// requires at least DRAINING (spec.md §4.1, §4.4, §6).
func (c *Connection) udpUnicast(m *message.OutgoingMessage) (err error) {
	c.requireAtLeastDraining()

	return c.ufd.Unicast(m.Raw())
}

// udpBroadcast sends m over the UDP socket to 255.255.255.255:67,
// overriding the socket's connected peer for this one datagram. It
// requires at least DRAINING (spec.md §4.1, §4.4, §6).
func (c *Connection) udpBroadcast(m *message.OutgoingMessage) (err error) {
	c.requireAtLeastDraining()

	return c.ufd.Broadcast(m.Raw())
}
