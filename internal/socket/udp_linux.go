//go:build linux

package socket

import (
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"
	"golang.org/x/sys/unix"
)

// UDPSocket is a non-blocking UDP socket connected to the DHCP server from
// the client's leased address, used once the connection has drained its
// packet socket and moved past the PACKET state (spec.md §3, §4.4).
type UDPSocket struct {
	conn *net.UDPConn
}

// OpenUDPSocket opens a UDP socket bound to client:68 and connected to
// server:67, with SO_REUSEADDR and SO_BROADCAST set.
func OpenUDPSocket(client, server net.IP) (s *UDPSocket, err error) {
	dialer := net.Dialer{
		LocalAddr: &net.UDPAddr{IP: client, Port: ClientPort},
		Control:   controlReuseBroadcast,
	}

	c, err := dialer.Dial("udp4", net.JoinHostPort(server.String(), strconv.Itoa(ServerPort)))
	if err != nil {
		return nil, errors.Annotate(err, "connecting udp socket to %s: %w", server)
	}

	return &UDPSocket{conn: c.(*net.UDPConn)}, nil
}

// controlReuseBroadcast sets SO_REUSEADDR (so a restarted client can rebind
// before the kernel times out the old socket) and SO_BROADCAST (required to
// send to 255.255.255.255 from a connected socket's raw fd).
func controlReuseBroadcast(_, _ string, c syscall.RawConn) (err error) {
	cerr := c.Control(func(fd uintptr) {
		if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return
		}

		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if cerr != nil {
		return cerr
	}

	return err
}

// FD returns the underlying raw file descriptor, for registration on a
// readiness notifier. It does not transfer ownership.
func (s *UDPSocket) FD() (fd int, err error) {
	sc, err := s.conn.SyscallConn()
	if err != nil {
		return -1, errors.Annotate(err, "obtaining raw connection: %w")
	}

	cerr := sc.Control(func(f uintptr) { fd = int(f) })
	if cerr != nil {
		return -1, errors.Annotate(cerr, "reading fd: %w")
	}

	return fd, nil
}

// Recv attempts a single, non-blocking read. It returns ErrWouldBlock if
// nothing was ready.
func (s *UDPSocket) Recv(buf []byte) (n int, err error) {
	if err = s.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, errors.Annotate(err, "arming non-blocking read: %w")
	}

	n, err = s.conn.Read(buf)
	if isTimeout(err) {
		return 0, errWouldBlock
	}

	return n, err
}

// Unicast sends payload to the server this socket is connected to.
func (s *UDPSocket) Unicast(payload []byte) (err error) {
	_, err = s.conn.Write(payload)

	return err
}

// Broadcast sends payload to 255.255.255.255:67, overriding the socket's
// connected peer for this single datagram.
func (s *UDPSocket) Broadcast(payload []byte) (err error) {
	sc, err := s.conn.SyscallConn()
	if err != nil {
		return errors.Annotate(err, "obtaining raw connection: %w")
	}

	dst := &unix.SockaddrInet4{Port: ServerPort}
	copy(dst.Addr[:], netutil.IPv4bcast().To4())

	var sendErr error
	cerr := sc.Write(func(fd uintptr) bool {
		sendErr = unix.Sendto(int(fd), payload, 0, dst)
		return true
	})
	if cerr != nil {
		return errors.Annotate(cerr, "sending broadcast: %w")
	}

	return sendErr
}

// Close releases the UDP socket.
func (s *UDPSocket) Close() (err error) {
	return s.conn.Close()
}
