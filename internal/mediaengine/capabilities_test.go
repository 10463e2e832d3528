package mediaengine

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestRouterCapabilitiesCoverBothKinds(t *testing.T) {
	caps := routerCapabilities()
	var hasOpus, hasVP8 bool
	for _, c := range caps.Codecs {
		switch c.MimeType {
		case webrtc.MimeTypeOpus:
			hasOpus = true
		case webrtc.MimeTypeVP8:
			hasVP8 = true
		}
	}
	if !hasOpus || !hasVP8 {
		t.Fatalf("capabilities missing codecs: opus=%v vp8=%v", hasOpus, hasVP8)
	}
}

func TestSelectCodec(t *testing.T) {
	producer := RTPParameters{
		Codecs: []webrtc.RTPCodecParameters{
			{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, PayloadType: 96},
		},
	}

	t.Run("match is case-insensitive on mime type", func(t *testing.T) {
		viewer := webrtc.RTPCapabilities{
			Codecs: []webrtc.RTPCodecCapability{{MimeType: "video/vp8", ClockRate: 90000}},
		}
		codec, ok := selectCodec(producer, viewer)
		if !ok {
			t.Fatal("expected a codec match")
		}
		if codec.PayloadType != 96 {
			t.Fatalf("payload type = %d, want the producer's 96", codec.PayloadType)
		}
	})

	t.Run("clock rate must match", func(t *testing.T) {
		viewer := webrtc.RTPCapabilities{
			Codecs: []webrtc.RTPCodecCapability{{MimeType: webrtc.MimeTypeVP8, ClockRate: 30000}},
		}
		if _, ok := selectCodec(producer, viewer); ok {
			t.Fatal("mismatched clock rate must not match")
		}
	})

	t.Run("no common codec", func(t *testing.T) {
		viewer := webrtc.RTPCapabilities{
			Codecs: []webrtc.RTPCodecCapability{{MimeType: webrtc.MimeTypeH264, ClockRate: 90000}},
		}
		if _, ok := selectCodec(producer, viewer); ok {
			t.Fatal("expected no match")
		}
	})
}

func TestMatchProducerCodec(t *testing.T) {
	params := RTPParameters{
		Codecs: []webrtc.RTPCodecParameters{
			// Client payload type differs from the router's; the router's
			// canonical parameters win.
			{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, PayloadType: 120},
		},
	}
	codec, ok := matchProducerCodec(KindVideo, params)
	if !ok {
		t.Fatal("expected vp8 to match the router set")
	}
	if codec.PayloadType != 96 {
		t.Fatalf("payload type = %d, want canonical 96", codec.PayloadType)
	}

	if _, ok := matchProducerCodec(KindAudio, params); ok {
		t.Fatal("video codec must not match the audio kind")
	}
}

func TestParseKind(t *testing.T) {
	for raw, want := range map[string]Kind{"audio": KindAudio, "video": KindVideo} {
		kind, err := ParseKind(raw)
		if err != nil || kind != want {
			t.Fatalf("ParseKind(%q) = %q, %v", raw, kind, err)
		}
	}
	if _, err := ParseKind("screen"); err == nil {
		t.Fatal("unknown kind accepted")
	}
}
