// Package socket provides the link-layer and UDP socket primitives the
// connection layer drives: opening a filtered raw packet socket, opening a
// connected UDP socket, and framing/sending datagrams on each (spec.md §3,
// §4.4, §6).
package socket

import "github.com/AdguardTeam/golibs/errors"

// Client and server well-known DHCP UDP ports.
const (
	ClientPort = 68
	ServerPort = 67
)

// UDPMaxSize is the MUST-accept minimum UDP payload size, used as the
// advertised Maximum Message Size once the client has a working UDP path
// (spec.md §4.3, §6).
const UDPMaxSize = 576

// maxFrameSize bounds a single read: larger than any legitimate DHCP
// message, small enough to keep per-read allocations cheap.
const maxFrameSize = 65536

// errWouldBlock is returned by Recv methods when a single non-blocking read
// attempt found nothing to read.
const errWouldBlock errors.Error = "would block"

// ErrWouldBlock reports that a socket had no data ready on a single,
// non-blocking read attempt.
var ErrWouldBlock = errWouldBlock
