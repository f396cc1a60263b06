package rtc

import (
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"
)

// PreferCodec rewrites the SDP so payload types for the given mime type
// (e.g. "video/VP8") lead their m-line, steering the remote side's codec
// choice. Rewrite failures fall back to the original SDP; a suboptimal codec
// still negotiates, a broken description does not.
func PreferCodec(raw, mime string) string {
	if mime == "" {
		return raw
	}
	kind, codec, ok := strings.Cut(mime, "/")
	if !ok {
		return raw
	}

	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Msg("codec preference skipped, sdp parse failed")
		return raw
	}

	changed := false
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != kind {
			continue
		}
		preferred := payloadTypesFor(media, codec)
		if len(preferred) == 0 {
			continue
		}
		media.MediaName.Formats = reorderFormats(media.MediaName.Formats, preferred)
		changed = true
	}
	if !changed {
		return raw
	}

	out, err := desc.Marshal()
	if err != nil {
		log.Warn().Err(err).Str("module", "rtc").Msg("codec preference skipped, sdp marshal failed")
		return raw
	}
	return string(out)
}

// payloadTypesFor collects the payload types whose rtpmap names the codec.
func payloadTypesFor(media *sdp.MediaDescription, codec string) map[string]bool {
	preferred := make(map[string]bool)
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		// rtpmap value: "<payload type> <encoding>/<clock rate>[/...]"
		pt, rest, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		if strings.EqualFold(name, codec) {
			preferred[pt] = true
		}
	}
	return preferred
}

func reorderFormats(formats []string, preferred map[string]bool) []string {
	out := make([]string, 0, len(formats))
	for _, f := range formats {
		if preferred[f] {
			out = append(out, f)
		}
	}
	for _, f := range formats {
		if !preferred[f] {
			out = append(out, f)
		}
	}
	return out
}
