package media

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SetupPath is the sub-path of the setup descriptor under a stream root.
const SetupPath = "setup"

// Track is one encoded rendition of a stream.
type Track struct {
	Name        string
	Codec       string
	Bandwidth   uint64
	InitSegment Ref
}

// IsAudio reports whether the track's codec describes an audio rendition.
func (t Track) IsAudio() bool {
	return hasMediaType(t.Codec, "audio/")
}

// IsVideo reports whether the track's codec describes a video rendition.
func (t Track) IsVideo() bool {
	return hasMediaType(t.Codec, "video/")
}

func hasMediaType(codec, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(codec)), prefix)
}

// TrackTable is the ordered, immutable track list of a session. Index 0 is
// the audio track; indices from 1 are video levels by ascending bandwidth.
type TrackTable struct {
	tracks []Track
}

// NewTrackTable builds a table from tracks in descriptor order. The one
// audio track moves to index 0 wherever it was listed; the video tracks
// follow, stably sorted by bandwidth so levels ascend. A list without
// exactly one audio track, without video, or with a track of any other
// media type is rejected.
func NewTrackTable(tracks []Track) (*TrackTable, error) {
	audio := -1
	for i, tr := range tracks {
		switch {
		case tr.IsAudio():
			if audio >= 0 {
				return nil, fmt.Errorf("%w: tracks %q and %q are both audio", ErrInvalidDescriptor, tracks[audio].Name, tr.Name)
			}
			audio = i
		case !tr.IsVideo():
			return nil, fmt.Errorf("%w: track %q codec %q is neither audio nor video", ErrInvalidDescriptor, tr.Name, tr.Codec)
		}
	}
	if audio < 0 {
		return nil, fmt.Errorf("%w: no audio track", ErrInvalidDescriptor)
	}
	if len(tracks) < 2 {
		return nil, fmt.Errorf("%w: need an audio track and at least one video level, got %d tracks", ErrInvalidDescriptor, len(tracks))
	}

	out := make([]Track, 0, len(tracks))
	out = append(out, tracks[audio])
	for i, tr := range tracks {
		if i != audio {
			out = append(out, tr)
		}
	}
	levels := out[1:]
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Bandwidth < levels[j].Bandwidth })
	return &TrackTable{tracks: out}, nil
}

// Len returns the number of tracks, audio included.
func (t *TrackTable) Len() int { return len(t.tracks) }

// At returns the track at index i.
func (t *TrackTable) At(i int) Track { return t.tracks[i] }

// Audio returns the track at index 0.
func (t *TrackTable) Audio() Track { return t.tracks[0] }

// Tracks returns a copy of the table.
func (t *TrackTable) Tracks() []Track {
	out := make([]Track, len(t.tracks))
	copy(out, t.tracks)
	return out
}

// Bandwidths returns per-index bandwidths for level selection.
func (t *TrackTable) Bandwidths() []uint64 {
	out := make([]uint64, len(t.tracks))
	for i, tr := range t.tracks {
		out[i] = tr.Bandwidth
	}
	return out
}

type trackJSON struct {
	Name        string          `json:"name"`
	Codec       string          `json:"codec"`
	Bandwidth   uint64          `json:"bandwidth"`
	InitSegment json.RawMessage `json:"initialization_segment"`
}

// DecodeSetup parses a setup descriptor: a JSON list of
// {name, codec, bandwidth, initialization_segment}, optionally wrapped in an
// object under "tracks". Initialization segments may be plain strings or
// {"/": "<ref>"} links.
func DecodeSetup(data []byte) (*TrackTable, error) {
	data = bytes.TrimSpace(data)

	var raw []trackJSON
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Tracks []trackJSON `json:"tracks"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
		}
		raw = wrapped.Tracks
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	tracks := make([]Track, 0, len(raw))
	for i, r := range raw {
		if r.Name == "" || r.Codec == "" {
			return nil, fmt.Errorf("%w: track %d lacks name or codec", ErrInvalidDescriptor, i)
		}
		ref, err := decodeLink(r.InitSegment)
		if err != nil {
			return nil, fmt.Errorf("%w: track %q: %v", ErrInvalidDescriptor, r.Name, err)
		}
		tracks = append(tracks, Track{
			Name:        r.Name,
			Codec:       r.Codec,
			Bandwidth:   r.Bandwidth,
			InitSegment: ref,
		})
	}
	return NewTrackTable(tracks)
}

func decodeLink(raw json.RawMessage) (Ref, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseRef(s)
	}
	var link struct {
		Slash string `json:"/"`
	}
	if err := json.Unmarshal(raw, &link); err != nil {
		return Ref{}, fmt.Errorf("initialization segment: %w", err)
	}
	return ParseRef(link.Slash)
}
