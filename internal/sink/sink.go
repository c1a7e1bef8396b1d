package sink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"cas-player/internal/media"
)

var (
	// ErrMissingTrack is returned by Configure when no audio or no video
	// buffer could be created. It is fatal for the session.
	ErrMissingTrack = errors.New("missing audio or video track")

	// ErrUnsupportedCodec marks a track the device cannot play.
	ErrUnsupportedCodec = errors.New("unsupported codec")

	// ErrBusy is returned when an operation overlaps an outstanding one.
	ErrBusy = errors.New("buffer operation outstanding")

	// ErrNotConfigured is returned before Configure has created the buffers.
	ErrNotConfigured = errors.New("buffers not configured")
)

// Sink is the controller's view of the device buffers. Append, Remove and
// ChangeCodec may run off the controller goroutine; at most one of them is in
// progress at a time.
type Sink struct {
	src   MediaSource
	log   *slog.Logger
	audio SourceBuffer
	video SourceBuffer
	busy  atomic.Bool

	unsupported []int
}

// New returns a Sink over src. Buffers are created by Configure.
func New(src MediaSource, log *slog.Logger) *Sink {
	return &Sink{src: src, log: log}
}

// Configure scans tracks in order and creates one audio and one video
// buffer. Tracks with codecs the device rejects are skipped, as are further
// tracks of a media type that already has a buffer. It returns the indices
// of the tracks the buffers were created for.
func (s *Sink) Configure(tracks *media.TrackTable) (audioIdx, videoIdx int, err error) {
	audioIdx, videoIdx = -1, -1
	s.unsupported = nil
	for i := 0; i < tracks.Len(); i++ {
		tr := tracks.At(i)
		if !s.src.IsTypeSupported(tr.Codec) {
			s.unsupported = append(s.unsupported, i)
			s.log.Warn("track skipped",
				slog.String("track", tr.Name),
				slog.String("codec", tr.Codec),
				slog.String("error", ErrUnsupportedCodec.Error()))
			continue
		}
		if tr.IsAudio() && s.audio != nil || !tr.IsAudio() && s.video != nil {
			continue
		}
		buf, err := s.src.AddSourceBuffer(tr.Codec)
		if err != nil {
			s.log.Warn("track skipped",
				slog.String("track", tr.Name),
				slog.String("codec", tr.Codec),
				slog.String("error", err.Error()))
			continue
		}
		if tr.IsAudio() {
			s.audio, audioIdx = buf, i
		} else {
			s.video, videoIdx = buf, i
		}
	}
	if s.audio == nil || s.video == nil {
		return audioIdx, videoIdx, ErrMissingTrack
	}
	return audioIdx, videoIdx, nil
}

// Unsupported returns the indices of the tracks whose codecs the device
// rejected during the last Configure.
func (s *Sink) Unsupported() []int {
	return s.unsupported
}

// Ready reports whether both buffers exist.
func (s *Sink) Ready() bool {
	return s.audio != nil && s.video != nil
}

// Append hands video and, when non-nil, audio bytes to the device.
func (s *Sink) Append(video, audio []byte) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	if audio != nil {
		if err := s.audio.AppendBuffer(audio); err != nil {
			return fmt.Errorf("append audio: %w", err)
		}
	}
	if err := s.video.AppendBuffer(video); err != nil {
		return fmt.Errorf("append video: %w", err)
	}
	return nil
}

// Remove evicts r from both buffers. Empty and inverted ranges do nothing.
func (s *Sink) Remove(r media.Range) error {
	if r.Empty() {
		return nil
	}
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	if err := s.audio.Remove(r.Start, r.End); err != nil {
		return fmt.Errorf("remove audio: %w", err)
	}
	if err := s.video.Remove(r.Start, r.End); err != nil {
		return fmt.Errorf("remove video: %w", err)
	}
	return nil
}

// ChangeCodec switches the video buffer to codec.
func (s *Sink) ChangeCodec(codec string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	if err := s.video.ChangeType(codec); err != nil {
		return fmt.Errorf("change type to %q: %w", codec, err)
	}
	return nil
}

// SetDuration sets the presentation duration on the device.
func (s *Sink) SetDuration(seconds float64) error {
	return s.src.SetDuration(seconds)
}

// Buffered returns the time ranges present in both buffers, or nil when
// nothing is buffered or the buffers do not exist yet.
func (s *Sink) Buffered() []media.Range {
	if !s.Ready() {
		return nil
	}
	return Intersect(s.audio.Buffered(), s.video.Buffered())
}

// Position returns the device playhead in seconds.
func (s *Sink) Position() float64 {
	return s.src.Position()
}

// Seek moves the device playhead.
func (s *Sink) Seek(position float64) {
	s.src.Seek(position)
}

func (s *Sink) begin() error {
	if !s.Ready() {
		return ErrNotConfigured
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (s *Sink) end() {
	s.busy.Store(false)
}

// Intersect returns the ranges covered by both a and b. Inputs must be
// sorted and disjoint.
func Intersect(a, b []media.Range) []media.Range {
	var out []media.Range
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := max(a[i].Start, b[j].Start)
		end := min(a[i].End, b[j].End)
		if start < end {
			out = append(out, media.Range{Start: start, End: end})
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}
