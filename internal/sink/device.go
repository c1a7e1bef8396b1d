// Package sink wraps the playback device's media buffers behind the narrow
// set of operations the stream controller needs.
package sink

import "cas-player/internal/media"

// SourceBuffer is one device-side buffer for a single media type. Each call
// returns once the device has finished applying it.
type SourceBuffer interface {
	AppendBuffer(data []byte) error
	Remove(start, end float64) error
	Buffered() []media.Range
	ChangeType(codec string) error
}

// MediaSource is the playback device: it owns the buffers and the playhead.
type MediaSource interface {
	IsTypeSupported(codec string) bool
	AddSourceBuffer(codec string) (SourceBuffer, error)
	SetDuration(seconds float64) error
	Position() float64
	Seek(position float64)
}
