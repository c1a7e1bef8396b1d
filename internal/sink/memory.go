package sink

import (
	"errors"
	"math"
	"sync"
	"time"

	"cas-player/internal/media"
)

// DefaultSegmentSeconds is the media time one appended segment covers in a
// MemorySource.
const DefaultSegmentSeconds = 1.0

var errSourceBufferLimit = errors.New("source buffer limit reached")

// MemorySource is a headless device. Its playhead follows the wall clock
// while it sits inside buffered media and stalls at the end of the buffer.
// The first append to a buffer after creation or a type change is taken as
// an initialization segment and adds no media time; every later append adds
// one segment of media time at the end of the buffer.
type MemorySource struct {
	mu       sync.Mutex
	now      func() time.Time
	segment  float64
	accept   func(codec string) bool
	buffers  []*MemoryBuffer
	duration float64
	position float64
	anchor   time.Time
}

// MemoryOptions configures a MemorySource. Zero values select defaults.
type MemoryOptions struct {
	// SegmentSeconds is the media time per appended segment.
	SegmentSeconds float64
	// Accept decides codec support; nil accepts every codec.
	Accept func(codec string) bool
	// Now is the clock; nil uses time.Now.
	Now func() time.Time
}

// NewMemorySource returns an empty device with the playhead at zero.
func NewMemorySource(opts MemoryOptions) *MemorySource {
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = DefaultSegmentSeconds
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemorySource{
		now:     opts.Now,
		segment: opts.SegmentSeconds,
		accept:  opts.Accept,
		anchor:  opts.Now(),
	}
}

// IsTypeSupported implements MediaSource.IsTypeSupported.
func (m *MemorySource) IsTypeSupported(codec string) bool {
	return m.accept == nil || m.accept(codec)
}

// AddSourceBuffer implements MediaSource.AddSourceBuffer. At most one audio
// and one video buffer may exist, like a browser MediaSource.
func (m *MemorySource) AddSourceBuffer(codec string) (SourceBuffer, error) {
	if !m.IsTypeSupported(codec) {
		return nil, ErrUnsupportedCodec
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buffers) >= 2 {
		return nil, errSourceBufferLimit
	}
	b := &MemoryBuffer{src: m, codec: codec, needInit: true}
	m.buffers = append(m.buffers, b)
	return b, nil
}

// SetDuration implements MediaSource.SetDuration.
func (m *MemorySource) SetDuration(seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duration = seconds
	return nil
}

// Duration returns the last duration set.
func (m *MemorySource) Duration() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration
}

// Position implements MediaSource.Position.
func (m *MemorySource) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleLocked()
	return m.position
}

// Seek implements MediaSource.Seek.
func (m *MemorySource) Seek(position float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if position < 0 {
		position = 0
	}
	m.position = position
	m.anchor = m.now()
}

// settleLocked advances the playhead by the wall time since the last
// observation, up to the end of the buffered range it is in.
func (m *MemorySource) settleLocked() {
	now := m.now()
	elapsed := now.Sub(m.anchor).Seconds()
	m.anchor = now
	if elapsed <= 0 {
		return
	}
	for _, r := range m.bufferedLocked() {
		if m.position >= r.Start && m.position < r.End {
			m.position = math.Min(m.position+elapsed, r.End)
			return
		}
	}
}

func (m *MemorySource) bufferedLocked() []media.Range {
	if len(m.buffers) == 0 {
		return nil
	}
	out := m.buffers[0].ranges
	for _, b := range m.buffers[1:] {
		out = Intersect(out, b.ranges)
	}
	return out
}

// MemoryBuffer is a SourceBuffer of a MemorySource.
type MemoryBuffer struct {
	src      *MemorySource
	codec    string
	needInit bool
	ranges   []media.Range
	bytes    int
}

// AppendBuffer implements SourceBuffer.AppendBuffer.
func (b *MemoryBuffer) AppendBuffer(data []byte) error {
	m := b.src
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleLocked()

	b.bytes += len(data)
	if b.needInit {
		b.needInit = false
		return nil
	}

	if n := len(b.ranges); n > 0 {
		b.ranges[n-1].End += m.segment
		return nil
	}
	start := 0.0
	if m.position > 1 {
		start = math.Round(m.position - 1)
	}
	b.ranges = append(b.ranges, media.Range{Start: start, End: start + m.segment})
	return nil
}

// Remove implements SourceBuffer.Remove.
func (b *MemoryBuffer) Remove(start, end float64) error {
	m := b.src
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleLocked()

	var out []media.Range
	for _, r := range b.ranges {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, media.Range{Start: r.Start, End: start})
		}
		if r.End > end {
			out = append(out, media.Range{Start: end, End: r.End})
		}
	}
	b.ranges = out
	return nil
}

// Buffered implements SourceBuffer.Buffered.
func (b *MemoryBuffer) Buffered() []media.Range {
	b.src.mu.Lock()
	defer b.src.mu.Unlock()
	out := make([]media.Range, len(b.ranges))
	copy(out, b.ranges)
	return out
}

// ChangeType implements SourceBuffer.ChangeType.
func (b *MemoryBuffer) ChangeType(codec string) error {
	if !b.src.IsTypeSupported(codec) {
		return ErrUnsupportedCodec
	}
	b.src.mu.Lock()
	defer b.src.mu.Unlock()
	b.codec = codec
	b.needInit = true
	return nil
}

// Codec returns the buffer's current codec.
func (b *MemoryBuffer) Codec() string {
	b.src.mu.Lock()
	defer b.src.mu.Unlock()
	return b.codec
}

// BytesAppended returns the total bytes handed to the buffer.
func (b *MemoryBuffer) BytesAppended() int {
	b.src.mu.Lock()
	defer b.src.mu.Unlock()
	return b.bytes
}
