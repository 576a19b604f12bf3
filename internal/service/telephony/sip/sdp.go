package sip

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/voicefleet/agentdesk/backend/internal/service/telephony"
)

// G.711 静态负载类型。
const (
	PayloadPCMU uint8 = 0
	PayloadPCMA uint8 = 8
)

// MediaOffer is the audio part of a remote SDP.
type MediaOffer struct {
	Addr     string
	Port     int
	Payloads []uint8
}

// ParseSDP reads the connection address and the audio media line.
// A media-level c= line overrides the session-level one.
func ParseSDP(body []byte) (MediaOffer, error) {
	var (
		offer   MediaOffer
		inAudio bool
		found   bool
	)
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "m="):
			inAudio = strings.HasPrefix(line, "m=audio")
			if !inAudio {
				continue
			}
			parts := strings.Fields(line)
			if len(parts) < 4 {
				return MediaOffer{}, fmt.Errorf("sdp: bad media line %q", line)
			}
			port, err := strconv.Atoi(parts[1])
			if err != nil {
				return MediaOffer{}, fmt.Errorf("sdp: bad media port %q", parts[1])
			}
			offer.Port = port
			for _, p := range parts[3:] {
				if pt, err := strconv.Atoi(p); err == nil && pt >= 0 && pt < 128 {
					offer.Payloads = append(offer.Payloads, uint8(pt))
				}
			}
			found = true
		case strings.HasPrefix(line, "c="):
			parts := strings.Fields(line)
			if len(parts) >= 3 && (offer.Addr == "" || inAudio) {
				offer.Addr = parts[2]
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return MediaOffer{}, err
	}
	if !found {
		return MediaOffer{}, fmt.Errorf("sdp: no audio media")
	}
	return offer, nil
}

// Negotiate picks PCMU when offered, else PCMA.
func Negotiate(offer MediaOffer) (uint8, telephony.Codec, bool) {
	var pcma bool
	for _, pt := range offer.Payloads {
		switch pt {
		case PayloadPCMU:
			return PayloadPCMU, telephony.CodecPCMU, true
		case PayloadPCMA:
			pcma = true
		}
	}
	if pcma {
		return PayloadPCMA, telephony.CodecPCMA, true
	}
	return 0, 0, false
}

// BuildAnswer renders the SDP answer for one negotiated payload type.
func BuildAnswer(ip string, port int, pt uint8) []byte {
	name := "PCMU"
	if pt == PayloadPCMA {
		name = "PCMA"
	}
	id := time.Now().Unix()
	return []byte(fmt.Sprintf("v=0\r\n"+
		"o=- %d %d IN IP4 %s\r\n"+
		"s=-\r\n"+
		"c=IN IP4 %s\r\n"+
		"t=0 0\r\n"+
		"m=audio %d RTP/AVP %d\r\n"+
		"a=rtpmap:%d %s/8000\r\n"+
		"a=ptime:20\r\n"+
		"a=sendrecv\r\n",
		id, id, ip,
		ip,
		port, pt,
		pt, name,
	))
}
