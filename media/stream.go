// Package media carries G.711 audio over RTP: per-direction sequencing
// state, one shared UDP socket for every call, and an optional reorder
// buffer for the receive side.
package media

import (
	"errors"
	"math/rand"
	"net/netip"
	"sync"

	"github.com/pion/rtp"
)

const (
	// HeaderSize is the fixed RTP header length without CSRCs or extensions.
	HeaderSize = 12
	// MaxPayloadSize bounds one datagram to 20 ms of G.711 audio.
	MaxPayloadSize = 160
	// ClockRate is the RTP clock of the G.711 payload formats.
	ClockRate = 8000
)

// ErrDecode marks a datagram that is not a usable RTP packet.
var ErrDecode = errors.New("malformed rtp packet")

// Stream is the send-side state of one RTP stream. The SSRC is fixed for the
// life of the stream; sequence and timestamp wrap at their bit width.
type Stream struct {
	mu      sync.Mutex
	ssrc    uint32
	seq     uint16
	ts      uint32
	pt      uint8
	remote  netip.AddrPort
	started bool
}

// NewStream starts a stream towards remote with random initial SSRC,
// sequence number and timestamp.
func NewStream(pt uint8, remote netip.AddrPort) *Stream {
	return newStream(pt, remote, rand.Uint32(), uint16(rand.Uint32()), rand.Uint32())
}

func newStream(pt uint8, remote netip.AddrPort, ssrc uint32, seq uint16, ts uint32) *Stream {
	return &Stream{
		ssrc:   ssrc,
		seq:    seq,
		ts:     ts,
		pt:     pt,
		remote: unmap(remote),
	}
}

func (s *Stream) SSRC() uint32           { return s.ssrc }
func (s *Stream) Remote() netip.AddrPort { return s.remote }
func (s *Stream) PayloadType() uint8     { return s.pt }

// Sequence returns the sequence number the next packet will carry.
func (s *Stream) Sequence() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Timestamp returns the timestamp the next packet will carry.
func (s *Stream) Timestamp() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ts
}

// next stamps payload with the current sequence and timestamp, then advances
// both. G.711 carries one sample per byte.
func (s *Stream) next(payload []byte) *rtp.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         !s.started,
			PayloadType:    s.pt,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.started = true
	s.seq++
	s.ts += uint32(len(payload))
	return pkt
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
