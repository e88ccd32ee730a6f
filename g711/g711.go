// Package g711 converts between 8 kHz G.711 companded samples and 16-bit
// little-endian linear PCM.
//
// Both laws are table driven on the decode side. Encoding is computed per
// sample. Round trips are lossy: decode(encode(x)) lands within the
// quantization step of the segment x falls in.
package g711

import "encoding/binary"

// Payload types assigned to G.711 by the RTP/AVP profile.
const (
	PayloadTypePCMU uint8 = 0
	PayloadTypePCMA uint8 = 8
)

// SampleRate is the fixed G.711 clock rate.
const SampleRate = 8000

// Codec transcodes one G.711 law.
type Codec interface {
	Name() string
	PayloadType() uint8
	// Encode converts little-endian 16-bit PCM into one byte per sample.
	Encode(pcm []byte) []byte
	// Decode converts companded bytes into little-endian 16-bit PCM.
	Decode(data []byte) []byte
}

type mulaw struct{}

func (mulaw) Name() string              { return "PCMU" }
func (mulaw) PayloadType() uint8        { return PayloadTypePCMU }
func (mulaw) Encode(pcm []byte) []byte  { return MulawEncode(pcm) }
func (mulaw) Decode(data []byte) []byte { return MulawDecode(data) }

type alaw struct{}

func (alaw) Name() string              { return "PCMA" }
func (alaw) PayloadType() uint8        { return PayloadTypePCMA }
func (alaw) Encode(pcm []byte) []byte  { return AlawEncode(pcm) }
func (alaw) Decode(data []byte) []byte { return AlawDecode(data) }

var (
	// Mulaw is the µ-law codec (PCMU).
	Mulaw Codec = mulaw{}
	// Alaw is the A-law codec (PCMA).
	Alaw Codec = alaw{}
)

// ByPayloadType returns the codec registered for pt.
func ByPayloadType(pt uint8) (Codec, bool) {
	switch pt {
	case PayloadTypePCMU:
		return Mulaw, true
	case PayloadTypePCMA:
		return Alaw, true
	}
	return nil, false
}

func encode(pcm []byte, enc func(int16) byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = enc(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}

func decode(data []byte, table *[256]int16) []byte {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(table[b]))
	}
	return out
}
