package rtc

import (
	"strings"
	"testing"
)

const offerSDP = "v=0\r\n" +
	"o=- 4815162342 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 98 100\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=rtpmap:98 VP8/90000\r\n" +
	"a=rtpmap:100 VP9/90000\r\n"

func TestPreferCodecReordersFormats(t *testing.T) {
	out := PreferCodec(offerSDP, "video/VP8")
	if !strings.Contains(out, "m=video 9 UDP/TLS/RTP/SAVPF 98 96 100") {
		t.Fatalf("VP8 payload type not leading the m-line:\n%s", out)
	}
	// The audio m-line is untouched.
	if !strings.Contains(out, "m=audio 9 UDP/TLS/RTP/SAVPF 111") {
		t.Fatalf("audio m-line altered:\n%s", out)
	}
}

func TestPreferCodecCaseInsensitive(t *testing.T) {
	out := PreferCodec(offerSDP, "video/vp8")
	if !strings.Contains(out, "m=video 9 UDP/TLS/RTP/SAVPF 98 96 100") {
		t.Fatalf("lowercase codec name not matched:\n%s", out)
	}
}

func TestPreferCodecLeavesUnknownCodecAlone(t *testing.T) {
	if out := PreferCodec(offerSDP, "video/AV1"); out != offerSDP {
		t.Fatal("absent codec rewrote the description")
	}
}

func TestPreferCodecFallsBackOnBadInput(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
		mime string
	}{
		{"empty mime", offerSDP, ""},
		{"mime without slash", offerSDP, "vp8"},
		{"unparseable sdp", "not an sdp", "video/VP8"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if out := PreferCodec(tc.raw, tc.mime); out != tc.raw {
				t.Fatalf("input not passed through unchanged")
			}
		})
	}
}
