package media

import "github.com/pion/rtp"

// JitterBuffer reorders packets by sequence number, holding at most depth
// packets back. Depth 0 relays packets as they arrive. Duplicates and packets
// older than the last one released are dropped.
//
// A JitterBuffer is not safe for concurrent use.
type JitterBuffer struct {
	depth   int
	pending []*rtp.Packet
	next    uint16
	started bool
}

func NewJitterBuffer(depth int) *JitterBuffer {
	if depth < 0 {
		depth = 0
	}
	return &JitterBuffer{depth: depth}
}

// seqBefore reports whether a precedes b modulo 2^16.
func seqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}

// Push adds pkt and returns the packets that are ready for playout, in order.
func (jb *JitterBuffer) Push(pkt *rtp.Packet) []*rtp.Packet {
	if jb.depth == 0 {
		return []*rtp.Packet{pkt}
	}
	seq := pkt.SequenceNumber
	if jb.started && seqBefore(seq, jb.next) {
		return nil
	}

	i := len(jb.pending)
	for i > 0 && seqBefore(seq, jb.pending[i-1].SequenceNumber) {
		i--
	}
	if i > 0 && jb.pending[i-1].SequenceNumber == seq {
		return nil
	}
	jb.pending = append(jb.pending, nil)
	copy(jb.pending[i+1:], jb.pending[i:])
	jb.pending[i] = pkt

	var out []*rtp.Packet
	for len(jb.pending) > 0 {
		head := jb.pending[0]
		inOrder := jb.started && head.SequenceNumber == jb.next
		if len(jb.pending) <= jb.depth && !inOrder {
			break
		}
		out = append(out, head)
		jb.pending = jb.pending[1:]
		jb.next = head.SequenceNumber + 1
		jb.started = true
	}
	return out
}

// Flush releases everything still held, in order.
func (jb *JitterBuffer) Flush() []*rtp.Packet {
	out := jb.pending
	jb.pending = nil
	if n := len(out); n > 0 {
		jb.next = out[n-1].SequenceNumber + 1
		jb.started = true
	}
	return out
}

// Len returns the number of packets held back.
func (jb *JitterBuffer) Len() int { return len(jb.pending) }
