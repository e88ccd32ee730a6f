package sipua

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"pbxbridge/g711"
)

// PayloadTypeTelephoneEvent is the dynamic payload type offered for DTMF.
const PayloadTypeTelephoneEvent = 101

// Answer is what the bridge needs from the peer's SDP answer.
type Answer struct {
	Media       netip.AddrPort
	PayloadType uint8
}

// BuildOffer describes the local RTP endpoint: one audio stream offering the
// given G.711 payload types followed by telephone-event.
func BuildOffer(addr netip.AddrPort, codecs []uint8) ([]byte, error) {
	if !addr.Addr().Is4() {
		return nil, fmt.Errorf("sdp offer needs an IPv4 media address, got %s", addr)
	}
	if len(codecs) == 0 {
		codecs = []uint8{g711.PayloadTypePCMU, g711.PayloadTypePCMA}
	}
	ip := addr.Addr().String()
	id := uint64(time.Now().UnixMilli())

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      id,
			SessionVersion: id,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: int(addr.Port())},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, pt := range codecs {
		c, ok := g711.ByPayloadType(pt)
		if !ok {
			return nil, fmt.Errorf("unsupported payload type %d", pt)
		}
		md = md.WithCodec(pt, c.Name(), g711.SampleRate, 0, "")
	}
	md = md.WithCodec(PayloadTypeTelephoneEvent, "telephone-event", g711.SampleRate, 0, "0-16")
	md = md.WithPropertyAttribute("sendrecv")
	sd.MediaDescriptions = []*sdp.MediaDescription{md}

	return sd.Marshal()
}

// ParseAnswer extracts the peer media address and the first G.711 payload
// type of the audio stream. A media-level c= line overrides the session one.
func ParseAnswer(body []byte) (Answer, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrMediaAddressParse, err)
	}

	var md *sdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			md = m
			break
		}
	}
	if md == nil {
		return Answer{}, fmt.Errorf("%w: no audio media line", ErrMediaAddressParse)
	}

	conn := sd.ConnectionInformation
	if md.ConnectionInformation != nil {
		conn = md.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return Answer{}, fmt.Errorf("%w: no connection line", ErrMediaAddressParse)
	}
	ip, err := netip.ParseAddr(conn.Address.Address)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: connection address %q", ErrMediaAddressParse, conn.Address.Address)
	}
	port := md.MediaName.Port.Value
	if port <= 0 || port > 65535 {
		return Answer{}, fmt.Errorf("%w: media port %d", ErrMediaAddressParse, port)
	}

	answer := Answer{
		Media:       netip.AddrPortFrom(ip.Unmap(), uint16(port)),
		PayloadType: g711.PayloadTypePCMU,
	}
	for _, f := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			continue
		}
		if _, ok := g711.ByPayloadType(uint8(pt)); ok {
			answer.PayloadType = uint8(pt)
			break
		}
	}
	return answer, nil
}
