package g711

const (
	mulawBias = 132
	mulawClip = 32767
)

var mulawTable [256]int16

func init() {
	for i := range mulawTable {
		mulawTable[i] = mulawExpand(byte(i))
	}
}

// mulawExpand decodes one byte from its sign/exponent/mantissa fields.
// Transmitted bytes are stored inverted.
func mulawExpand(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// MulawEncodeSample compresses one linear sample.
func MulawEncodeSample(sample int16) byte {
	s := int32(sample)
	sign := byte((s >> 8) & 0x80)
	if s < 0 {
		s = -s
	}
	s += mulawBias
	if s > mulawClip {
		s = mulawClip
	}

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}

// MulawDecodeSample expands one µ-law byte.
func MulawDecodeSample(b byte) int16 {
	return mulawTable[b]
}

// MulawEncode compresses little-endian 16-bit PCM. A trailing odd byte is
// ignored, so the result is always half the input length rounded down.
func MulawEncode(pcm []byte) []byte {
	return encode(pcm, MulawEncodeSample)
}

// MulawDecode expands µ-law bytes into little-endian 16-bit PCM.
func MulawDecode(data []byte) []byte {
	return decode(data, &mulawTable)
}
