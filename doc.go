// Package dhcp4c implements the client-side transport and message factory
// for a DHCPv4 client (RFC 2131/2132): the dual raw-packet/UDP socket
// lifecycle, inbound message validation, and the eight outbound message
// constructors a surrounding client state machine drives.
//
// Retransmission timing, lease accounting, and full DHCP option semantics
// are the surrounding state machine's responsibility; this package treats
// them as external collaborators.
package dhcp4c
