package sipua

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMessageFraming(t *testing.T) {
	stream := "\r\n\r\n" +
		"SIP/2.0 200 OK\r\nCall-ID: a\r\nContent-Length: 4\r\n\r\nbody" +
		"\r\n" +
		"OPTIONS sip:x SIP/2.0\r\nl: 0\r\n\r\n" +
		"SIP/2.0 100 Trying\r\nCall-ID: b\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(stream))

	first, err := readMessage(r)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(first), "SIP/2.0 200 OK"))
	assert.True(t, strings.HasSuffix(string(first), "\r\n\r\nbody"))

	second, err := readMessage(r)
	require.NoError(t, err)
	assert.Equal(t, "OPTIONS sip:x SIP/2.0\r\nl: 0\r\n\r\n", string(second))

	third, err := readMessage(r)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(third), "SIP/2.0 100 Trying"))

	_, err = readMessage(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMessageErrors(t *testing.T) {
	tests := []struct {
		name   string
		stream string
	}{
		{"bad length", "SIP/2.0 200 OK\r\nContent-Length: x\r\n\r\n"},
		{"negative length", "SIP/2.0 200 OK\r\nContent-Length: -1\r\n\r\n"},
		{"truncated body", "SIP/2.0 200 OK\r\nContent-Length: 10\r\n\r\nabc"},
		{"truncated head", "SIP/2.0 200 OK\r\nCall-ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readMessage(bufio.NewReader(strings.NewReader(tt.stream)))
			assert.Error(t, err)
		})
	}
}
