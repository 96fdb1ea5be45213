package sipmsg

import (
	"errors"
	"strings"

	"github.com/pion/sdp/v3"
)

var ErrNoAudioMedia = errors.New("sipmsg: SDP has no audio media")

// Static RTP payload types (RFC 3551) that offers commonly list without an
// rtpmap attribute.
var staticPayloadCodecs = map[string]string{
	"0":  "pcmu",
	"8":  "pcma",
	"9":  "g722",
	"18": "g729",
}

// RewriteConnectionAddress points every c= line of body at ip. Bodies pion/sdp
// cannot parse (fragments, vendor quirks) are rewritten line by line.
func RewriteConnectionAddress(body, ip string) string {
	if body == "" {
		return body
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(body)); err != nil {
		return rewriteConnectionLines(body, ip)
	}
	setConnectionAddress(sd.ConnectionInformation, ip)
	for _, md := range sd.MediaDescriptions {
		setConnectionAddress(md.ConnectionInformation, ip)
	}
	out, err := sd.Marshal()
	if err != nil {
		return rewriteConnectionLines(body, ip)
	}
	return string(out)
}

func setConnectionAddress(ci *sdp.ConnectionInformation, ip string) {
	if ci == nil {
		return
	}
	ci.NetworkType = "IN"
	ci.AddressType = "IP4"
	if ci.Address == nil {
		ci.Address = &sdp.Address{}
	}
	ci.Address.Address = ip
	ci.Address.TTL = nil
	ci.Address.Range = nil
}

func rewriteConnectionLines(body, ip string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "c=") {
			continue
		}
		cr := ""
		if strings.HasSuffix(line, "\r") {
			cr = "\r"
		}
		lines[i] = "c=IN IP4 " + ip + cr
	}
	return strings.Join(lines, "\n")
}

// PrimaryCodec returns the lower-case encoding name of the first payload in
// the first audio m= line, or "" if it cannot be determined.
func PrimaryCodec(body string) string {
	if body == "" {
		return ""
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(body)); err != nil {
		return ""
	}
	md := firstAudio(&sd)
	if md == nil || len(md.MediaName.Formats) == 0 {
		return ""
	}
	pt := md.MediaName.Formats[0]
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		fields := strings.SplitN(attr.Value, " ", 2)
		if len(fields) != 2 || fields[0] != pt {
			continue
		}
		name, _, _ := strings.Cut(fields[1], "/")
		return strings.ToLower(name)
	}
	return staticPayloadCodecs[pt]
}

// RewriteAudioPort sets the port of the first audio m= line and returns the
// re-encoded body.
func RewriteAudioPort(body string, port int) (string, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(body)); err != nil {
		return "", err
	}
	md := firstAudio(&sd)
	if md == nil {
		return "", ErrNoAudioMedia
	}
	md.MediaName.Port = sdp.RangedPort{Value: port}
	out, err := sd.Marshal()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// AudioEndpoint returns the connection address and port of the first audio
// stream, falling back to the session-level c= line.
func AudioEndpoint(body string) (string, int, bool) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(body)); err != nil {
		return "", 0, false
	}
	md := firstAudio(&sd)
	if md == nil {
		return "", 0, false
	}
	ci := md.ConnectionInformation
	if ci == nil {
		ci = sd.ConnectionInformation
	}
	if ci == nil || ci.Address == nil {
		return "", 0, false
	}
	return ci.Address.Address, md.MediaName.Port.Value, true
}

func firstAudio(sd *sdp.SessionDescription) *sdp.MediaDescription {
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return md
		}
	}
	return nil
}
