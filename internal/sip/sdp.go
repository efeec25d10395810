package sip

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pion/sdp/v3"
)

// Media directions used in offers and answers.
const (
	dirSendRecv = "sendrecv"
	dirSendOnly = "sendonly"
	dirRecvOnly = "recvonly"
	dirInactive = "inactive"
)

// payloadTelephoneEvent is the dynamic payload type offered for RFC 4733
// DTMF events.
const payloadTelephoneEvent = "101"

// supportedFormats lists the payload types the line offers, in order of
// preference.
var supportedFormats = []string{"0", "8", payloadTelephoneEvent}

var rtpmaps = map[string]string{
	"0":                   "PCMU/8000",
	"8":                   "PCMA/8000",
	payloadTelephoneEvent: "telephone-event/8000",
}

// ErrNoCommonCodec is returned when an offer shares no audio codec with the
// line.
var ErrNoCommonCodec = errors.New("sip: no common audio codec")

// media describes the local audio endpoint advertised in SDP.
type media struct {
	IP        string
	Port      int
	SessionID uint64
	Version   uint64
}

func newMedia(ip string, port int) *media {
	id := uint64(time.Now().UnixNano())
	return &media{IP: ip, Port: port, SessionID: id, Version: id}
}

// offer returns an SDP offer with every supported format.
func (m *media) offer(direction string) ([]byte, error) {
	return m.build(supportedFormats, direction)
}

// answer returns an SDP answer for the offer in body, keeping the offer's
// format order. The offered direction is mirrored.
func (m *media) answer(body []byte) ([]byte, error) {
	var remote sdp.SessionDescription
	if err := remote.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp offer: %w", err)
	}
	audio := audioDescription(&remote)
	if audio == nil {
		return nil, fmt.Errorf("%w: offer has no audio stream", ErrNoCommonCodec)
	}

	var formats []string
	codec := false
	for _, f := range audio.MediaName.Formats {
		if !slices.Contains(supportedFormats, f) {
			continue
		}
		formats = append(formats, f)
		if f != payloadTelephoneEvent {
			codec = true
		}
	}
	if !codec {
		return nil, ErrNoCommonCodec
	}
	return m.build(formats, answerDirection(direction(audio)))
}

// next returns a new version of the session, as required for re-offers.
func (m *media) next() *media {
	n := *m
	n.Version++
	return &n
}

func (m *media) build(formats []string, dir string) ([]byte, error) {
	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "flowdial",
			SessionID:      m.SessionID,
			SessionVersion: m.Version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: m.IP,
		},
		SessionName: "flowdial",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: m.IP},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: m.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attributes(formats, dir),
			},
		},
	}
	b, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshalling sdp: %w", err)
	}
	return b, nil
}

func attributes(formats []string, dir string) []sdp.Attribute {
	var attrs []sdp.Attribute
	for _, f := range formats {
		if rtpmap, ok := rtpmaps[f]; ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + rtpmap})
		}
	}
	if slices.Contains(formats, payloadTelephoneEvent) {
		attrs = append(attrs, sdp.Attribute{Key: "fmtp", Value: payloadTelephoneEvent + " 0-15"})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: dir},
	)
	return attrs
}

func audioDescription(sd *sdp.SessionDescription) *sdp.MediaDescription {
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			return md
		}
	}
	return nil
}

// direction returns the direction attribute of a media description.
func direction(md *sdp.MediaDescription) string {
	for _, a := range md.Attributes {
		switch a.Key {
		case dirSendRecv, dirSendOnly, dirRecvOnly, dirInactive:
			return a.Key
		}
	}
	return dirSendRecv
}

func answerDirection(offered string) string {
	switch offered {
	case dirSendOnly:
		return dirRecvOnly
	case dirRecvOnly:
		return dirSendOnly
	case dirInactive:
		return dirInactive
	}
	return dirSendRecv
}

// remoteHold reports whether an offer puts the call on hold.
func remoteHold(body []byte) bool {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return false
	}
	audio := audioDescription(&sd)
	if audio == nil {
		return false
	}
	d := direction(audio)
	return d == dirSendOnly || d == dirInactive
}
