package dhcp4c

import (
	"bytes"
	"fmt"
	"net"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/bengal/n-dhcp4/internal/ioready"
	"github.com/bengal/n-dhcp4/internal/message"
	"github.com/bengal/n-dhcp4/internal/socket"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
)

// State is one of the four states a Connection moves through over its
// lifetime (spec.md §3, §4.1).
type State uint8

// Connection states.
const (
	// StateInit is the state before Listen is called: neither socket
	// exists.
	StateInit State = iota
	// StatePacket is the state after Listen: only the raw packet socket
	// exists.
	StatePacket
	// StateDraining is the state after Connect, before the packet socket
	// has been observed empty: both sockets exist.
	StateDraining
	// StateUDP is the state once the packet socket has drained: only the
	// UDP socket exists.
	StateUDP
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePacket:
		return "PACKET"
	case StateDraining:
		return "DRAINING"
	case StateUDP:
		return "UDP"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// arphrdInfiniBand is the ARP hardware-type constant for InfiniBand, which
// forces broadcast and suppresses chaddr (spec.md §3).
const arphrdInfiniBand = 32

// maxHWAddrLen is the largest hardware address length this package accepts
// (spec.md §3 invariant: hlen ≤ 16).
const maxHWAddrLen = 16

// Stats counts messages sent and received over a Connection's lifetime, one
// counter per DHCP message type, mirroring the Fuchsia netstack DHCP
// client's per-operation counters (dhcp.Stats's SendDiscovers/RecvOffers/
// etc.). It is supplementary to spec.md (see SPEC_FULL.md §4): every
// complete client transport in the reference pack tracks these, even
// though the spec itself only discusses correctness, not observability.
type Stats struct {
	SendDiscovers uint64
	SendSelects   uint64
	SendReboots   uint64
	SendRenews    uint64
	SendRebinds   uint64
	SendInforms   uint64
	SendDeclines  uint64
	SendReleases  uint64

	RecvOffers uint64
	RecvAcks   uint64
	RecvNaks   uint64

	// Dropped counts inbound packets discarded for failing to parse or for
	// not matching this connection's identity (spec.md §4.2, §7).
	Dropped uint64
}

// packetConn is the subset of *socket.PacketSocket the connection layer
// drives. Narrowing it to an interface lets tests substitute a fake raw
// socket without a real interface or root privileges, to exercise the
// drain-order guarantee spec.md §8 calls out as a literal test scenario.
type packetConn interface {
	Recv(buf []byte) (int, error)
	Broadcast(payload []byte, bhaddr net.HardwareAddr) error
	FD() (int, error)
	Close() error
}

// udpConn is the subset of *socket.UDPSocket the connection layer drives.
type udpConn interface {
	Recv(buf []byte) (int, error)
	Unicast(payload []byte) error
	Broadcast(payload []byte) error
	FD() (int, error)
	Close() error
}

var (
	_ packetConn = (*socket.PacketSocket)(nil)
	_ udpConn    = (*socket.UDPSocket)(nil)
)

// Connection is the dual-socket state machine described in spec.md §3. It
// is owned by exactly one logical task; it has no internal locking.
type Connection struct {
	ifi     *net.Interface
	ifindex int

	htype  uint16
	hlen   uint8
	chaddr net.HardwareAddr
	bhaddr net.HardwareAddr

	id []byte

	requestBroadcast bool
	sendChaddr       bool

	mtu uint16

	ciaddr net.IP
	siaddr net.IP

	pfd packetConn
	ufd udpConn

	notifier ioready.Notifier
	tag      ioready.Tag

	state State

	Stats Stats
}

// Option configures a Connection at construction time, mirroring the
// functional-options pattern nclient4.NewWithConn uses for its optional
// knobs (SPEC_FULL.md §4).
type Option func(*Connection)

// WithMTU sets the path MTU hint used for Maximum Message Size before the
// client has a UDP path (spec.md §3, §4.3). The default is 0 (omit).
func WithMTU(mtu uint16) Option {
	return func(c *Connection) { c.mtu = mtu }
}

// NewConnection initializes a Connection in state INIT. notifier is a
// borrowed, non-owning handle to the surrounding dispatcher's readiness
// notifier (spec.md §6, §9); its lifetime must strictly exceed the
// Connection's. tag is the single opaque value this Connection's
// descriptors are registered under.
func NewConnection(
	ifi *net.Interface,
	htype uint16,
	hlen uint8,
	chaddr, bhaddr net.HardwareAddr,
	id []byte,
	requestBroadcast bool,
	notifier ioready.Notifier,
	tag ioready.Tag,
	opts ...Option,
) (c *Connection, err error) {
	if hlen > maxHWAddrLen || len(id) == 1 {
		return nil, ErrInvalidArgument
	}

	sendChaddr := true
	if htype == arphrdInfiniBand {
		requestBroadcast = true
		sendChaddr = false
	}

	c = &Connection{
		ifi:              ifi,
		ifindex:          ifi.Index,
		htype:            htype,
		hlen:             hlen,
		chaddr:           chaddr,
		bhaddr:           bhaddr,
		id:               id,
		requestBroadcast: requestBroadcast,
		sendChaddr:       sendChaddr,
		notifier:         notifier,
		tag:              tag,
		state:            StateInit,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// requireState panics if the connection is not in state want. State and
// precondition violations are contract bugs, not runtime errors (spec.md
// §7).
func (c *Connection) requireState(want State) {
	if c.state != want {
		panic(fmt.Sprintf("dhcp4c: connection in state %s, want %s", c.state, want))
	}
}

// requireAtLeastDraining panics unless the connection has a UDP socket
// available, i.e. is in DRAINING or UDP.
func (c *Connection) requireAtLeastDraining() {
	if c.state != StateDraining && c.state != StateUDP {
		panic(fmt.Sprintf("dhcp4c: connection in state %s, want DRAINING or UDP", c.state))
	}
}

// State returns the connection's current state.
func (c *Connection) State() State {
	return c.state
}

// Listen opens the raw packet socket, registers it on the notifier, and
// transitions from INIT to PACKET. It is the only valid transition out of
// INIT (spec.md §4.1).
func (c *Connection) Listen() (err error) {
	defer func() { err = errors.Annotate(err, "dhcp4c: listen: %w") }()

	c.requireState(StateInit)

	ps, err := socket.OpenPacketSocket(c.ifi)
	if err != nil {
		return err
	}

	fd, err := ps.FD()
	if err != nil {
		_ = ps.Close()

		return err
	}

	if err = c.notifier.Add(fd, c.tag); err != nil {
		_ = ps.Close()

		return err
	}

	c.pfd = ps
	c.state = StatePacket

	return nil
}

// Connect opens a UDP socket bound to client and connected to server,
// registers it on the notifier, and transitions from PACKET to DRAINING.
// The packet socket is left registered and open; dispatch drains it before
// surfacing any UDP-sourced message (spec.md §4.1, §4.2, §9).
func (c *Connection) Connect(client, server net.IP) (err error) {
	defer func() { err = errors.Annotate(err, "dhcp4c: connect: %w") }()

	c.requireState(StatePacket)

	us, err := socket.OpenUDPSocket(client, server)
	if err != nil {
		return err
	}

	fd, err := us.FD()
	if err != nil {
		_ = us.Close()

		return err
	}

	if err = c.notifier.Add(fd, c.tag); err != nil {
		_ = us.Close()

		return err
	}

	c.ufd = us
	c.ciaddr = client
	c.siaddr = server
	c.state = StateDraining

	return nil
}

// Close deregisters and closes every descriptor the connection owns, in
// LIFO order, and resets it to the zeroed INIT form. It is synchronous and
// safe to call from any state (spec.md §4.1, §5).
func (c *Connection) Close() (err error) {
	defer func() { err = errors.Annotate(err, "dhcp4c: close: %w") }()

	var errs []error

	if c.ufd != nil {
		errs = append(errs, c.deregister(c.ufd.FD))
		errs = append(errs, c.ufd.Close())
		c.ufd = nil
	}

	if c.pfd != nil {
		errs = append(errs, c.deregister(c.pfd.FD))
		errs = append(errs, c.pfd.Close())
		c.pfd = nil
	}

	c.state = StateInit
	c.ciaddr = nil
	c.siaddr = nil

	return joinErrs("closing connection", errs)
}

// deregister removes the descriptor fdFunc reports from the notifier. It
// tolerates fdFunc failing (the descriptor is about to be closed anyway).
func (c *Connection) deregister(fdFunc func() (int, error)) (err error) {
	fd, err := fdFunc()
	if err != nil {
		return nil
	}

	return c.notifier.Remove(fd)
}

// joinErrs filters nils out of errs and folds what remains with
// errors.List, matching conn_unix.go's wrapErrs idiom.
func joinErrs(msg string, errs []error) (err error) {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}

	if len(nonNil) == 0 {
		return nil
	}

	return errors.List(msg, nonNil...)
}

// finishDraining deregisters and closes the packet socket and transitions
// to UDP. It is dispatch's sole trigger for the DRAINING->UDP edge
// (spec.md §4.1).
func (c *Connection) finishDraining() (err error) {
	err = c.deregister(c.pfd.FD)

	if cerr := c.pfd.Close(); err == nil {
		err = cerr
	}

	c.pfd = nil
	c.state = StateUDP

	return err
}

// Dispatch reads and validates at most one inbound DHCP message. It
// returns (nil, nil) if nothing was available. Malformed packets and
// identity mismatches are dropped silently and dispatch keeps reading
// (spec.md §4.2, §7, §9).
func (c *Connection) Dispatch() (msg *message.IncomingMessage, err error) {
	buf := make([]byte, 65536)

	for {
		n, rerr := c.recvOnce(buf)
		if rerr != nil {
			if errors.Is(rerr, socket.ErrWouldBlock) {
				return nil, nil
			}

			return nil, rerr
		}

		if n == 0 {
			return nil, nil
		}

		parsed, perr := message.ParseIncoming(buf[:n])
		if perr != nil {
			log.Debug("dhcp4c: dropping malformed dhcp packet: %s", perr)
			c.Stats.Dropped++

			continue
		}

		if !c.identityMatches(parsed) {
			c.Stats.Dropped++

			continue
		}

		c.countReceived(parsed)

		return parsed, nil
	}
}

// recvOnce reads at most one datagram from whichever socket is active for
// c.state. The DRAINING->UDP transition is handled inline as a loop rather
// than as literal switch fall-through (spec.md §9).
func (c *Connection) recvOnce(buf []byte) (n int, err error) {
	switch c.state {
	case StatePacket:
		return c.pfd.Recv(buf)
	case StateDraining:
		n, err = c.pfd.Recv(buf)
		if !errors.Is(err, socket.ErrWouldBlock) {
			return n, err
		}

		if derr := c.finishDraining(); derr != nil {
			return 0, derr
		}

		return c.ufd.Recv(buf)
	case StateUDP:
		return c.ufd.Recv(buf)
	default:
		panic(fmt.Sprintf("dhcp4c: dispatch called in state %s", c.state))
	}
}

// identityMatches reports whether m was addressed to this connection's
// client identity: chaddr over hlen bytes, and the client-identifier
// option, which must equal the configured identifier, or be absent when
// none is configured (spec.md §4.2, §8).
func (c *Connection) identityMatches(m *message.IncomingMessage) bool {
	h := m.Header()

	if len(h.ClientHWAddr) < int(c.hlen) || !bytes.Equal(h.ClientHWAddr[:c.hlen], c.chaddr[:c.hlen]) {
		return false
	}

	data, ok := m.Query(dhcpv4.OptionClientIdentifier)
	switch {
	case !ok:
		return len(c.id) == 0
	default:
		return bytes.Equal(data, c.id)
	}
}

// hwType returns the connection's hardware-address type as the iana type
// the codec expects.
func (c *Connection) hwType() iana.HWType {
	return iana.HWType(c.htype)
}

// countReceived bumps the Stats counter matching m's message type. Message
// types this connection never expects to receive (DISCOVER, REQUEST, ...)
// are not counted, the same way Fuchsia's dhcp.Stats only tracks the
// server-originated types a client observes.
func (c *Connection) countReceived(m *message.IncomingMessage) {
	switch m.Header().MessageType() {
	case dhcpv4.MessageTypeOffer:
		c.Stats.RecvOffers++
	case dhcpv4.MessageTypeAck:
		c.Stats.RecvAcks++
	case dhcpv4.MessageTypeNak:
		c.Stats.RecvNaks++
	}
}
