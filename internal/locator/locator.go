// Package locator computes where the next segment lives under a stream root.
//
// Live streams announce one root per segment and keep each rendition under
// track/<name>. On-demand streams index segments by wall time below a single
// root: time/hour/<h>/minute/<m>/second/<s>/video/track/<name>.
package locator

import (
	"fmt"
	"math"

	"cas-player/internal/media"
)

// Timecode is an on-demand segment position. Each component is one byte wide.
type Timecode struct {
	Hour   uint8
	Minute uint8
	Second uint8
}

func (tc Timecode) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", tc.Hour, tc.Minute, tc.Second)
}

// LivePath returns the path of a rendition under a live segment root.
func LivePath(trackName string) string {
	return "track/" + trackName
}

// OnDemandPath returns the path of a rendition at tc under an on-demand root.
func OnDemandPath(tc Timecode, trackName string) string {
	return fmt.Sprintf("time/hour/%d/minute/%d/second/%d/video/track/%s", tc.Hour, tc.Minute, tc.Second, trackName)
}

// CurrentTimecode picks the time the next on-demand fetch starts at: the end
// of the buffer when one exists, else one second behind the playhead, else
// zero.
func CurrentTimecode(buffered *media.Range, position float64) Timecode {
	var seconds float64
	switch {
	case buffered != nil:
		seconds = buffered.End
	case position > 1.0:
		seconds = position - 1.0
	}
	return FromSeconds(seconds)
}

// FromSeconds converts media time to a Timecode on rounded whole seconds.
// Negative and non-finite input maps to zero.
func FromSeconds(seconds float64) Timecode {
	if math.IsNaN(seconds) || seconds <= 0 {
		return Timecode{}
	}
	total := uint64(math.Round(math.Min(seconds, math.MaxInt64)))
	return Timecode{
		Hour:   uint8(total / 3600),
		Minute: uint8((total % 3600) / 60),
		Second: uint8(total % 60),
	}
}
