// Package pcm holds helpers for mono 16-bit little-endian linear audio.
package pcm

import "encoding/binary"

// Samples reinterprets little-endian bytes as samples. A trailing odd byte
// is dropped.
func Samples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// Bytes is the inverse of Samples.
func Bytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// Duration returns the number of milliseconds n samples last at rate.
func Duration(n, rate int) int {
	if rate <= 0 {
		return 0
	}
	return n * 1000 / rate
}
