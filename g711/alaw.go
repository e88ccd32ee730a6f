package g711

var (
	alawTable [256]int16

	alawSegmentEnd = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}
)

func init() {
	for i := range alawTable {
		alawTable[i] = alawExpand(byte(i))
	}
}

func alawExpand(b byte) int16 {
	a := b ^ 0x55
	t := int32(a&0x0F) << 4
	segment := (a & 0x70) >> 4
	switch segment {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= segment - 1
	}
	if a&0x80 == 0 {
		t = -t
	}
	return int16(t)
}

// AlawEncodeSample compresses one linear sample.
func AlawEncodeSample(sample int16) byte {
	v := int32(sample) >> 3

	mask := byte(0xD5)
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}

	segment := 0
	for segment < len(alawSegmentEnd) && v > alawSegmentEnd[segment] {
		segment++
	}
	if segment >= len(alawSegmentEnd) {
		return 0x7F ^ mask
	}

	a := byte(segment << 4)
	if segment < 2 {
		a |= byte(v>>1) & 0x0F
	} else {
		a |= byte(v>>segment) & 0x0F
	}
	return a ^ mask
}

// AlawDecodeSample expands one A-law byte.
func AlawDecodeSample(b byte) int16 {
	return alawTable[b]
}

// AlawEncode compresses little-endian 16-bit PCM.
func AlawEncode(pcm []byte) []byte {
	return encode(pcm, AlawEncodeSample)
}

// AlawDecode expands A-law bytes into little-endian 16-bit PCM.
func AlawDecode(data []byte) []byte {
	return decode(data, &alawTable)
}
