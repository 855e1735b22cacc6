// Package message wraps github.com/insomniacslk/dhcp/dhcpv4 into the
// IncomingMessage/OutgoingMessage shapes the connection layer and message
// builder are specified against: header access plus option get/append
// primitives, nothing more.
package message

import (
	"github.com/AdguardTeam/golibs/errors"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// Overload names which legacy BOOTP header fields an OutgoingMessage may
// use as extra option space, per RFC 2131's overload mechanism. An
// OutgoingMessage records it, but Raw does not spill options into those
// fields.
type Overload uint8

// Overload flags. They may be combined.
const (
	OverloadNone  Overload = 0
	OverloadFile  Overload = 1 << 0
	OverloadSName Overload = 1 << 1
)

// errOverflow is returned by OutgoingMessage.Append when an option's value
// cannot be represented in a single DHCP option (255-byte payload limit).
const errOverflow errors.Error = "option value exceeds maximum option length"

// ErrOverflow reports that Append's data argument does not fit in a single
// DHCP option.
var ErrOverflow = errOverflow

// maxOptionLen is the largest payload a single (non-concatenated) DHCP
// option can carry.
const maxOptionLen = 255

// IncomingMessage is a parsed DHCP message read off the wire. It has not
// been checked against any particular client's identity; that is the
// connection layer's job.
type IncomingMessage struct {
	msg *dhcpv4.DHCPv4
}

// ParseIncoming parses raw wire bytes into an IncomingMessage.
func ParseIncoming(b []byte) (m *IncomingMessage, err error) {
	d, err := dhcpv4.FromBytes(b)
	if err != nil {
		return nil, errors.Annotate(err, "parsing dhcp message: %w")
	}

	return &IncomingMessage{msg: d}, nil
}

// Header returns the BOOTP header of the message, as a *dhcpv4.DHCPv4 whose
// Options should not be mutated by callers outside this package.
func (m *IncomingMessage) Header() *dhcpv4.DHCPv4 {
	return m.msg
}

// Query returns the raw bytes of option code, and whether it was present.
func (m *IncomingMessage) Query(code dhcpv4.OptionCode) (data []byte, ok bool) {
	data = m.msg.Options.Get(code)
	return data, data != nil
}

// OutgoingMessage is a DHCP message under construction. The overload policy
// given at construction is stored with the message but not applied: every
// option is serialized into the options area, never into the legacy
// FILE/SNAME header fields.
type OutgoingMessage struct {
	msg      *dhcpv4.DHCPv4
	overload Overload
}

// NewOutgoing allocates an OutgoingMessage with the given overload policy.
func NewOutgoing(overload Overload) (m *OutgoingMessage) {
	return &OutgoingMessage{
		msg: &dhcpv4.DHCPv4{
			OpCode:  dhcpv4.OpcodeBootRequest,
			Options: make(dhcpv4.Options),
		},
		overload: overload,
	}
}

// HeaderMut returns the mutable BOOTP header for the message builder to
// populate.
func (m *OutgoingMessage) HeaderMut() *dhcpv4.DHCPv4 {
	return m.msg
}

// Append adds an option to the message. It returns ErrOverflow if data
// cannot fit in a single option.
func (m *OutgoingMessage) Append(code dhcpv4.OptionCode, data []byte) (err error) {
	if len(data) > maxOptionLen {
		return errOverflow
	}

	m.msg.Options.Update(dhcpv4.OptGeneric(code, data))

	return nil
}

// Raw serializes the message, header and options, ready to hand to a
// transport.
func (m *OutgoingMessage) Raw() []byte {
	return m.msg.ToBytes()
}
