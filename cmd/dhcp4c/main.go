// Command dhcp4c is a minimal demonstration client: it discovers a lease on
// one interface, logs the lease it binds, logs the type of each message it
// receives afterwards at debug level, and releases the lease when
// interrupted.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/osutil"
	dhcp4c "github.com/bengal/n-dhcp4"
	"github.com/bengal/n-dhcp4/internal/ioready"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
)

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	ifaceName := flag.String("iface", "", "network interface to run the client on")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DEBUG)
	}

	if *ifaceName == "" {
		log.Error("dhcp4c: -iface is required")

		return osutil.ExitCodeArgumentError
	}

	ifi, err := net.InterfaceByName(*ifaceName)
	if err != nil {
		log.Error("dhcp4c: resolving interface %s: %s", *ifaceName, err)

		return osutil.ExitCodeFailure
	}

	notifier, err := ioready.NewEpoll()
	if err != nil {
		log.Error("dhcp4c: %s", err)

		return osutil.ExitCodeFailure
	}
	defer func() { _ = notifier.Close() }()

	const connTag ioready.Tag = 1

	c, err := dhcp4c.NewConnection(
		ifi,
		uint16(iana.HWTypeEthernet),
		uint8(len(ifi.HardwareAddr)),
		ifi.HardwareAddr,
		net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		nil,
		false,
		notifier,
		connTag,
	)
	if err != nil {
		log.Error("dhcp4c: %s", err)

		return osutil.ExitCodeFailure
	}

	if err = c.Listen(); err != nil {
		log.Error("dhcp4c: %s", err)

		return osutil.ExitCodeFailure
	}
	defer func() { _ = c.Close() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if err = discoverAndBind(c, notifier, connTag, sigCh); err != nil {
		log.Error("dhcp4c: %s", err)

		return osutil.ExitCodeFailure
	}

	return osutil.ExitCodeSuccess
}

// discoverAndBind runs the DISCOVER/OFFER/REQUEST/ACK exchange to
// completion, then blocks logging inbound traffic until interrupted. It is
// the "surrounding client state machine" spec.md treats as an external
// collaborator, kept deliberately small here.
func discoverAndBind(
	c *dhcp4c.Connection,
	notifier *ioready.Epoll,
	tag ioready.Tag,
	sigCh <-chan os.Signal,
) (err error) {
	const xid uint32 = 0x12345678

	if err = c.Discover(xid, 1); err != nil {
		return errors.Annotate(err, "sending discover: %w")
	}

	offer, err := waitForMessage(c, notifier, sigCh, dhcpv4.MessageTypeOffer)
	if err != nil {
		return errors.Annotate(err, "waiting for offer: %w")
	}

	h := offer.Header()
	serverID := h.ServerIdentifier()

	if err = c.Select(xid, 1, h.YourIPAddr, serverID); err != nil {
		return errors.Annotate(err, "sending request: %w")
	}

	ack, err := waitForMessage(c, notifier, sigCh, dhcpv4.MessageTypeAck)
	if err != nil {
		return errors.Annotate(err, "waiting for ack: %w")
	}

	leased := ack.Header().YourIPAddr
	log.Info("dhcp4c: bound %s from server %s", leased, serverID)

	if err = c.Connect(leased, serverID); err != nil {
		return errors.Annotate(err, "connecting: %w")
	}

	for {
		select {
		case <-sigCh:
			return c.Release(xid, 1, "")
		default:
		}

		if _, err = notifier.Wait(1000); err != nil {
			return err
		}

		msg, derr := c.Dispatch()
		if derr != nil {
			return derr
		}

		if msg != nil {
			log.Debug("dhcp4c: received message type %s", msg.Header().MessageType())
		}
	}
}

// waitForMessage polls the connection until it surfaces a message of type
// want, an interrupt arrives, or five seconds elapse.
func waitForMessage(
	c *dhcp4c.Connection,
	notifier *ioready.Epoll,
	sigCh <-chan os.Signal,
	want dhcpv4.MessageType,
) (msg *dhcp4c.IncomingMessage, err error) {
	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		select {
		case <-sigCh:
			return nil, errors.Error("dhcp4c: interrupted")
		default:
		}

		if _, werr := notifier.Wait(200); werr != nil {
			return nil, werr
		}

		m, derr := c.Dispatch()
		if derr != nil {
			return nil, derr
		}

		if m != nil && m.Header().MessageType() == want {
			return m, nil
		}
	}

	return nil, errors.Error("dhcp4c: timed out waiting for message")
}
