package mediaengine

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// routerCodecs is the fixed codec set the router negotiates. The audio/video
// split matters: Produce and CanConsume match against the requested kind
// only.
var routerCodecs = map[Kind][]webrtc.RTPCodecParameters{
	KindAudio: {
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
	},
	KindVideo: {
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: 90000,
			},
			PayloadType: 96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			},
			PayloadType: 102,
		},
	},
}

func routerCapabilities() webrtc.RTPCapabilities {
	caps := webrtc.RTPCapabilities{}
	for _, kind := range []Kind{KindAudio, KindVideo} {
		for _, c := range routerCodecs[kind] {
			caps.Codecs = append(caps.Codecs, c.RTPCodecCapability)
		}
	}
	return caps
}

func codecsMatch(a, b webrtc.RTPCodecCapability) bool {
	return strings.EqualFold(a.MimeType, b.MimeType) && a.ClockRate == b.ClockRate
}

// selectCodec picks the first producer codec the viewer also supports.
func selectCodec(producer RTPParameters, viewer webrtc.RTPCapabilities) (webrtc.RTPCodecParameters, bool) {
	for _, pc := range producer.Codecs {
		for _, vc := range viewer.Codecs {
			if codecsMatch(pc.RTPCodecCapability, vc) {
				return pc, true
			}
		}
	}
	return webrtc.RTPCodecParameters{}, false
}

// matchProducerCodec validates a produce request's codecs against the router
// set for the kind and returns the router's canonical parameters for the
// first supported codec.
func matchProducerCodec(kind Kind, params RTPParameters) (webrtc.RTPCodecParameters, bool) {
	for _, offered := range params.Codecs {
		for _, supported := range routerCodecs[kind] {
			if codecsMatch(offered.RTPCodecCapability, supported.RTPCodecCapability) {
				return supported, true
			}
		}
	}
	return webrtc.RTPCodecParameters{}, false
}
