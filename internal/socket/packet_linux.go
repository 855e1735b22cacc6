//go:build linux

package socket

import (
	"net"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
	"golang.org/x/net/bpf"
)

// errNotUDP is returned internally when a received frame decodes but
// carries no UDP layer; the caller treats it the same as a malformed
// packet (spec.md §4.2, §7: dropped silently).
const errNotUDP errors.Error = "frame has no udp layer"

// PacketSocket is a non-blocking raw link-layer socket bound to a single
// interface, filtered at the kernel with a BPF program so that only frames
// a DHCP client cares about ever reach userspace.
type PacketSocket struct {
	conn *packet.Conn
	ifi  *net.Interface
}

// OpenPacketSocket opens a filtered raw packet socket on ifi.
func OpenPacketSocket(ifi *net.Interface) (s *PacketSocket, err error) {
	filter, err := clientFilter()
	if err != nil {
		return nil, errors.Annotate(err, "assembling bpf filter: %w")
	}

	conn, err := packet.Listen(ifi, packet.Raw, int(ethernet.EtherTypeIPv4), &packet.Config{
		Filter: filter,
	})
	if err != nil {
		return nil, errors.Annotate(err, "opening packet socket on %s: %w", ifi.Name)
	}

	return &PacketSocket{conn: conn, ifi: ifi}, nil
}

// clientFilter assembles the classic BPF program admitting only IPv4/UDP
// frames destined for the DHCP client port (spec.md §6). It does not (and,
// without a bound address, cannot) narrow by destination IP; identity
// filtering of the payload is the connection layer's job (spec.md §4.2).
func clientFilter() (raw []bpf.RawInstruction, err error) {
	const (
		ethTypeOff = 12
		ipProtoOff = 14 + 9
		// udpDstPortOff assumes a 20-byte IPv4 header with no options,
		// which matches every DHCP implementation this filter has been
		// run against; servers that send IP options would be silently
		// dropped rather than misrouted.
		udpDstPortOff = 14 + 20 + 2
	)

	return bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: ethTypeOff, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(ethernet.EtherTypeIPv4), SkipFalse: 5},
		bpf.LoadAbsolute{Off: ipProtoOff, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 17, SkipFalse: 3}, // IPPROTO_UDP
		bpf.LoadAbsolute{Off: udpDstPortOff, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: ClientPort, SkipFalse: 1},
		bpf.RetConstant{Val: 0xffff},
		bpf.RetConstant{Val: 0},
	})
}

// FD returns the underlying raw file descriptor, for registration on a
// readiness notifier. It does not transfer ownership.
func (s *PacketSocket) FD() (fd int, err error) {
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

// Recv attempts a single, non-blocking read of one DHCP payload. It returns
// ErrWouldBlock if nothing was ready, (0, nil) on an empty datagram, and
// errNotUDP if the frame parsed but carried no UDP payload.
func (s *PacketSocket) Recv(buf []byte) (n int, err error) {
	if err = s.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, errors.Annotate(err, "arming non-blocking read: %w")
	}

	frame := make([]byte, maxFrameSize)

	fn, _, err := s.conn.ReadFrom(frame)
	if isTimeout(err) {
		return 0, errWouldBlock
	} else if err != nil {
		return 0, err
	} else if fn == 0 {
		return 0, nil
	}

	pkt := gopacket.NewPacket(frame[:fn], layers.LayerTypeEthernet, gopacket.NoCopy)

	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return 0, errNotUDP
	}

	return copy(buf, udpLayer.(*layers.UDP).Payload), nil
}

// Broadcast sends payload as a UDP datagram from 0.0.0.0:68 to
// 255.255.255.255:67, wrapped in IPv4 and Ethernet headers destined for
// bhaddr (spec.md §4.4, §6).
func (s *PacketSocket) Broadcast(payload []byte, bhaddr net.HardwareAddr) (err error) {
	frame, err := etherFrame(payload, s.ifi.HardwareAddr, bhaddr, net.IPv4zero, netutil.IPv4bcast())
	if err != nil {
		return errors.Annotate(err, "building ethernet frame: %w")
	}

	_, err = s.conn.WriteTo(frame, &packet.Addr{HardwareAddr: bhaddr})

	return err
}

// etherFrame wraps payload in a UDP/IPv4/Ethernet frame, as a DHCP client
// broadcast requires.
func etherFrame(payload []byte, srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP) (frame []byte, err error) {
	udpLayer := &layers.UDP{SrcPort: ClientPort, DstPort: ServerPort}
	ipLayer := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}

	// Ignore the error: it is only returned for an invalid network layer
	// type, and ipLayer is always an *layers.IPv4.
	_ = udpLayer.SetNetworkLayerForChecksum(ipLayer)

	ethLayer := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	err = gopacket.SerializeLayers(buf, opts, ethLayer, ipLayer, udpLayer, gopacket.Payload(payload))
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Close releases the packet socket.
func (s *PacketSocket) Close() (err error) {
	return s.conn.Close()
}

// isTimeout reports whether err is a net.Error produced by a deadline set
// in the past, the idiom this package uses for "no data, don't block".
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
