package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// Handler receives packets accepted for one routed peer.
type Handler func(pkt *rtp.Packet, from netip.AddrPort)

type route struct {
	handle Handler
}

// Transport is the process-wide RTP socket. Calls register the peer media
// address from their SDP answer with Route; datagrams from any other source
// are dropped.
type Transport struct {
	conn *net.UDPConn
	log  *logrus.Entry

	mu     sync.RWMutex
	routes map[netip.AddrPort]*route

	closeOnce sync.Once
}

// Listen binds the RTP socket, e.g. "0.0.0.0:10000".
func Listen(addr string, log *logrus.Entry) (*Transport, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve rtp address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen rtp on %s: %w", addr, err)
	}

	log.Infof("RTP transport listening on %s", conn.LocalAddr())
	return &Transport{
		conn:   conn,
		log:    log,
		routes: make(map[netip.AddrPort]*route),
	}, nil
}

// LocalAddr returns the bound socket address.
func (t *Transport) LocalAddr() netip.AddrPort {
	return unmap(t.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// Route delivers packets from peer to h until the returned func is called.
// A later Route for the same peer replaces the earlier one.
func (t *Transport) Route(peer netip.AddrPort, h Handler) (remove func()) {
	peer = unmap(peer)
	r := &route{handle: h}

	t.mu.Lock()
	t.routes[peer] = r
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.routes[peer] == r {
			delete(t.routes, peer)
		}
	}
}

// lookup finds the route for a source address. Peers behind NAT sometimes
// send from a different port than the one they advertised, so a single route
// with the same IP is accepted as well.
func (t *Transport) lookup(from netip.AddrPort) *route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if r, ok := t.routes[from]; ok {
		return r
	}
	var match *route
	for peer, r := range t.routes {
		if peer.Addr() != from.Addr() {
			continue
		}
		if match != nil {
			return nil
		}
		match = r
	}
	return match
}

// Send splits payload into datagrams of at most MaxPayloadSize bytes and
// writes them to the stream's peer.
func (t *Transport) Send(s *Stream, payload []byte) error {
	for len(payload) > 0 {
		n := min(len(payload), MaxPayloadSize)
		pkt := s.next(payload[:n])
		payload = payload[n:]

		b, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("marshal rtp packet: %w", err)
		}
		if _, err := t.conn.WriteToUDPAddrPort(b, s.Remote()); err != nil {
			return fmt.Errorf("send rtp to %s: %w", s.Remote(), err)
		}
	}
	return nil
}

// Serve reads datagrams until ctx is done or the transport is closed.
func (t *Transport) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	buf := make([]byte, 1500)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}
		if err := t.handleDatagram(buf[:n], unmap(from)); err != nil {
			t.log.WithError(err).Debugf("dropped datagram from %s", from)
		}
	}
}

func (t *Transport) handleDatagram(data []byte, from netip.AddrPort) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrDecode, len(data))
	}
	r := t.lookup(from)
	if r == nil {
		return fmt.Errorf("no call routed for %s", from)
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(append([]byte(nil), data...)); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if pkt.Version != 2 {
		return fmt.Errorf("%w: version %d", ErrDecode, pkt.Version)
	}
	r.handle(pkt, from)
	return nil
}

// Close releases the socket. It is safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}
