package convai

import (
	"fmt"
	"strconv"
	"strings"
)

// AudioFormat is one side of the agent's audio contract, e.g. "pcm_16000".
type AudioFormat struct {
	Encoding   string
	SampleRate int
}

// DefaultFormat is assumed until the conversation metadata says otherwise.
var DefaultFormat = AudioFormat{Encoding: "pcm", SampleRate: 16000}

// ParseAudioFormat parses the "<encoding>_<rate>" form used in conversation
// metadata.
func ParseAudioFormat(s string) (AudioFormat, error) {
	enc, rate, ok := strings.Cut(s, "_")
	if !ok || enc == "" {
		return AudioFormat{}, fmt.Errorf("invalid audio format %q", s)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return AudioFormat{}, fmt.Errorf("invalid sample rate in audio format %q", s)
	}
	return AudioFormat{Encoding: strings.ToLower(enc), SampleRate: n}, nil
}

func (f AudioFormat) String() string {
	return f.Encoding + "_" + strconv.Itoa(f.SampleRate)
}

// IsPCM reports whether samples are 16-bit little-endian linear.
func (f AudioFormat) IsPCM() bool { return f.Encoding == "pcm" }

// IsMulaw reports whether samples are G.711 µ-law bytes.
func (f AudioFormat) IsMulaw() bool { return f.Encoding == "ulaw" || f.Encoding == "mulaw" }
