package player

import (
	"fmt"
	"mime"
	"strings"

	"cas-player/internal/media"
)

// BuildMasterPlaylist renders the video levels of tracks as an HLS master
// playlist. Each level advertises its bandwidth plus the audio track's, and
// the codecs of both. Level URIs are the track names.
func BuildMasterPlaylist(tracks *media.TrackTable) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	audio := tracks.Audio()
	for i := 1; i < tracks.Len(); i++ {
		tr := tracks.At(i)
		codecs := codecList(tr.Codec, audio.Codec)
		b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d", tr.Bandwidth+audio.Bandwidth))
		if codecs != "" {
			b.WriteString(fmt.Sprintf(",CODECS=%q", codecs))
		}
		b.WriteString("\n")
		b.WriteString(tr.Name)
		b.WriteString("\n")
	}

	return b.String()
}

// codecList joins the RFC 6381 codec parameters of MIME-like codec strings,
// e.g. `video/mp4; codecs="avc1.64001f"`. Entries without one are skipped.
func codecList(mimeTypes ...string) string {
	var out []string
	for _, mt := range mimeTypes {
		_, params, err := mime.ParseMediaType(mt)
		if err != nil {
			continue
		}
		if c := params["codecs"]; c != "" {
			out = append(out, c)
		}
	}
	return strings.Join(out, ",")
}
