package bridge

import (
	"fmt"

	"pbxbridge/convai"
	"pbxbridge/g711"
	"pbxbridge/pcm"
)

func checkFormat(f convai.AudioFormat) error {
	if !f.IsPCM() && !f.IsMulaw() {
		return fmt.Errorf("unsupported agent audio encoding %q", f.Encoding)
	}
	return nil
}

func newResampler(in, out int) (*pcm.Resampler, error) {
	if in == out {
		return nil, nil
	}
	return pcm.NewResampler(in, out)
}

// uplink turns G.711 payloads from the PBX into the agent's input format.
type uplink struct {
	codec  g711.Codec
	format convai.AudioFormat
	rs     *pcm.Resampler
}

func newUplink(codec g711.Codec, format convai.AudioFormat) (*uplink, error) {
	if err := checkFormat(format); err != nil {
		return nil, err
	}
	rs, err := newResampler(g711.SampleRate, format.SampleRate)
	if err != nil {
		return nil, err
	}
	return &uplink{codec: codec, format: format, rs: rs}, nil
}

func (u *uplink) convert(payload []byte) []byte {
	if u.rs == nil && u.format.IsMulaw() && u.codec.PayloadType() == g711.PayloadTypePCMU {
		return payload
	}
	linear := pcm.Samples(u.codec.Decode(payload))
	if u.rs != nil {
		linear = u.rs.Process(linear)
	}
	if u.format.IsMulaw() {
		return g711.MulawEncode(pcm.Bytes(linear))
	}
	return pcm.Bytes(linear)
}

// downlink turns agent audio into G.711 payload bytes for the PBX.
type downlink struct {
	codec  g711.Codec
	format convai.AudioFormat
	rs     *pcm.Resampler
	carry  []byte
}

func newDownlink(codec g711.Codec, format convai.AudioFormat) (*downlink, error) {
	if err := checkFormat(format); err != nil {
		return nil, err
	}
	rs, err := newResampler(format.SampleRate, g711.SampleRate)
	if err != nil {
		return nil, err
	}
	return &downlink{codec: codec, format: format, rs: rs}, nil
}

func (d *downlink) convert(audio []byte) []byte {
	if d.rs == nil && d.format.IsMulaw() && d.codec.PayloadType() == g711.PayloadTypePCMU {
		return audio
	}

	var linear []int16
	if d.format.IsMulaw() {
		linear = pcm.Samples(g711.MulawDecode(audio))
	} else {
		// Chunks may split a sample.
		if len(d.carry) > 0 {
			audio = append(d.carry, audio...)
			d.carry = nil
		}
		if len(audio)%2 == 1 {
			d.carry = []byte{audio[len(audio)-1]}
			audio = audio[:len(audio)-1]
		}
		linear = pcm.Samples(audio)
	}
	if d.rs != nil {
		linear = d.rs.Process(linear)
	}
	return d.codec.Encode(pcm.Bytes(linear))
}

// playout queues encoded audio for paced sending. It holds at most max
// bytes; older audio is dropped first.
type playout struct {
	buf []byte
	max int
}

func (p *playout) push(b []byte) (dropped int) {
	p.buf = append(p.buf, b...)
	if over := len(p.buf) - p.max; p.max > 0 && over > 0 {
		p.buf = p.buf[over:]
		return over
	}
	return 0
}

// next pops up to n bytes.
func (p *playout) next(n int) []byte {
	if len(p.buf) == 0 {
		return nil
	}
	n = min(n, len(p.buf))
	frame := make([]byte, n)
	copy(frame, p.buf)
	p.buf = p.buf[n:]
	return frame
}

func (p *playout) flush() int {
	n := len(p.buf)
	p.buf = nil
	return n
}

func (p *playout) len() int { return len(p.buf) }
