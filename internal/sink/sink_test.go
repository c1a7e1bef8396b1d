package sink

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"cas-player/internal/media"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func table(t *testing.T, tracks ...media.Track) *media.TrackTable {
	t.Helper()
	ref, err := cid.Prefix{Version: 1, Codec: cid.Raw, MhType: 0x12, MhLength: -1}.Sum([]byte("init"))
	require.NoError(t, err)
	for i := range tracks {
		tracks[i].InitSegment = ref
	}
	tt, err := media.NewTrackTable(tracks)
	require.NoError(t, err)
	return tt
}

// recordingBuffer counts device calls and can block inside AppendBuffer.
type recordingBuffer struct {
	mu      sync.Mutex
	appends int
	removes []media.Range
	ranges  []media.Range
	gate    chan struct{}
	entered chan struct{}
	err     error
}

func (b *recordingBuffer) AppendBuffer(data []byte) error {
	if b.entered != nil {
		b.entered <- struct{}{}
	}
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appends++
	return b.err
}

func (b *recordingBuffer) Remove(start, end float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removes = append(b.removes, media.Range{Start: start, End: end})
	return nil
}

func (b *recordingBuffer) Buffered() []media.Range { return b.ranges }
func (b *recordingBuffer) ChangeType(codec string) error { return nil }

type recordingSource struct {
	bufs []*recordingBuffer
}

func (s *recordingSource) IsTypeSupported(codec string) bool { return true }
func (s *recordingSource) AddSourceBuffer(codec string) (SourceBuffer, error) {
	b := &recordingBuffer{}
	s.bufs = append(s.bufs, b)
	return b, nil
}
func (s *recordingSource) SetDuration(seconds float64) error { return nil }
func (s *recordingSource) Position() float64                 { return 0 }
func (s *recordingSource) Seek(position float64)             {}

func TestConfigure_skipsUnsupportedAndDuplicates(t *testing.T) {
	src := NewMemorySource(MemoryOptions{Accept: func(codec string) bool {
		return !strings.Contains(codec, "av01")
	}})
	s := New(src, discardLogger())

	tt := table(t,
		media.Track{Name: "audio", Codec: "audio/mp4; codecs=\"mp4a.40.2\""},
		media.Track{Name: "240p", Codec: "video/mp4; codecs=\"av01.0.04M.08\"", Bandwidth: 100},
		media.Track{Name: "360p", Codec: "video/mp4; codecs=\"avc1.64001e\"", Bandwidth: 200},
		media.Track{Name: "720p", Codec: "video/mp4; codecs=\"avc1.64001f\"", Bandwidth: 300},
	)
	audioIdx, videoIdx, err := s.Configure(tt)
	require.NoError(t, err)
	assert.Equal(t, 0, audioIdx)
	assert.Equal(t, 2, videoIdx, "first supported video track wins")
	assert.Equal(t, []int{1}, s.Unsupported())
	assert.True(t, s.Ready())
	assert.Nil(t, s.Buffered())
}

func TestConfigure_missingTrack(t *testing.T) {
	src := NewMemorySource(MemoryOptions{Accept: func(codec string) bool {
		return strings.HasPrefix(codec, "video/")
	}})
	s := New(src, discardLogger())

	tt := table(t,
		media.Track{Name: "audio", Codec: "audio/ogg"},
		media.Track{Name: "360p", Codec: "video/webm", Bandwidth: 200},
	)
	_, _, err := s.Configure(tt)
	assert.ErrorIs(t, err, ErrMissingTrack)
	assert.Equal(t, []int{0}, s.Unsupported())
	assert.False(t, s.Ready())
}

func TestSink_operationsBeforeConfigure(t *testing.T) {
	s := New(NewMemorySource(MemoryOptions{}), discardLogger())
	assert.ErrorIs(t, s.Append([]byte("v"), nil), ErrNotConfigured)
	assert.ErrorIs(t, s.ChangeCodec("video/mp4"), ErrNotConfigured)
	assert.Nil(t, s.Buffered())
}

func TestSink_removeIgnoresEmptyRanges(t *testing.T) {
	src := &recordingSource{}
	s := New(src, discardLogger())
	_, _, err := s.Configure(table(t,
		media.Track{Name: "audio", Codec: "audio/mp4"},
		media.Track{Name: "v", Codec: "video/mp4"},
	))
	require.NoError(t, err)

	require.NoError(t, s.Remove(media.Range{Start: 5, End: 5}))
	require.NoError(t, s.Remove(media.Range{Start: 9, End: 2}))
	for _, b := range src.bufs {
		assert.Empty(t, b.removes)
	}

	require.NoError(t, s.Remove(media.Range{Start: 1, End: 3}))
	for _, b := range src.bufs {
		assert.Equal(t, []media.Range{{Start: 1, End: 3}}, b.removes)
	}
}

func TestSink_singleOutstandingOperation(t *testing.T) {
	src := &recordingSource{}
	s := New(src, discardLogger())
	_, _, err := s.Configure(table(t,
		media.Track{Name: "audio", Codec: "audio/mp4"},
		media.Track{Name: "v", Codec: "video/mp4"},
	))
	require.NoError(t, err)

	video := src.bufs[1]
	video.gate = make(chan struct{})
	video.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- s.Append([]byte("v"), nil) }()
	<-video.entered

	assert.ErrorIs(t, s.Append([]byte("v"), []byte("a")), ErrBusy)
	assert.ErrorIs(t, s.Remove(media.Range{Start: 0, End: 1}), ErrBusy)
	assert.ErrorIs(t, s.ChangeCodec("video/webm"), ErrBusy)

	video.gate <- struct{}{}
	require.NoError(t, <-done)

	video.gate = nil
	video.entered = nil
	assert.NoError(t, s.Append([]byte("v"), []byte("a")))
	assert.Equal(t, 1, src.bufs[0].appends, "audio appended only when provided")
	assert.Equal(t, 2, video.appends)
}

func TestSink_appendFailureIsReported(t *testing.T) {
	src := &recordingSource{}
	s := New(src, discardLogger())
	_, _, err := s.Configure(table(t,
		media.Track{Name: "audio", Codec: "audio/mp4"},
		media.Track{Name: "v", Codec: "video/mp4"},
	))
	require.NoError(t, err)

	boom := errors.New("quota exceeded")
	src.bufs[1].err = boom
	assert.ErrorIs(t, s.Append([]byte("v"), []byte("a")), boom)
	// the failed call released the buffer
	src.bufs[1].err = nil
	assert.NoError(t, s.Append([]byte("v"), []byte("a")))
}

func TestIntersect(t *testing.T) {
	a := []media.Range{{Start: 0, End: 4}, {Start: 6, End: 10}}
	b := []media.Range{{Start: 1, End: 7}, {Start: 9, End: 12}}
	assert.Equal(t, []media.Range{{Start: 1, End: 4}, {Start: 6, End: 7}, {Start: 9, End: 10}}, Intersect(a, b))
	assert.Nil(t, Intersect(a, nil))
}

func TestMemorySource_playheadAndBuffering(t *testing.T) {
	clk := &clock{t: time.Unix(1000, 0)}
	src := NewMemorySource(MemoryOptions{SegmentSeconds: 2, Now: clk.now})
	s := New(src, discardLogger())
	_, _, err := s.Configure(table(t,
		media.Track{Name: "audio", Codec: "audio/mp4"},
		media.Track{Name: "v", Codec: "video/mp4"},
	))
	require.NoError(t, err)

	// initialization segments add no media time
	require.NoError(t, s.Append([]byte("init-v"), []byte("init-a")))
	assert.Nil(t, s.Buffered())

	require.NoError(t, s.Append([]byte("v0"), []byte("a0")))
	require.NoError(t, s.Append([]byte("v1"), []byte("a1")))
	assert.Equal(t, []media.Range{{Start: 0, End: 4}}, s.Buffered())

	clk.advance(3 * time.Second)
	assert.InDelta(t, 3.0, s.Position(), 1e-9)

	clk.advance(10 * time.Second)
	assert.InDelta(t, 4.0, s.Position(), 1e-9, "stalls at buffered end")

	require.NoError(t, s.Remove(media.Range{Start: 0, End: 3}))
	assert.Equal(t, []media.Range{{Start: 3, End: 4}}, s.Buffered())

	s.Seek(-2)
	assert.Equal(t, 0.0, s.Position())

	require.NoError(t, s.SetDuration(42))
	assert.Equal(t, 42.0, src.Duration())
}

func TestMemorySource_changeTypeExpectsInit(t *testing.T) {
	src := NewMemorySource(MemoryOptions{})
	buf, err := src.AddSourceBuffer("video/mp4")
	require.NoError(t, err)
	mb := buf.(*MemoryBuffer)

	require.NoError(t, mb.AppendBuffer([]byte("init")))
	require.NoError(t, mb.AppendBuffer([]byte("seg")))
	assert.Len(t, mb.Buffered(), 1)

	require.NoError(t, mb.ChangeType("video/webm"))
	assert.Equal(t, "video/webm", mb.Codec())
	require.NoError(t, mb.AppendBuffer([]byte("init2")))
	assert.Equal(t, []media.Range{{Start: 0, End: 1}}, mb.Buffered())
	assert.Equal(t, len("init")+len("seg")+len("init2"), mb.BytesAppended())

	_, err = src.AddSourceBuffer("audio/mp4")
	require.NoError(t, err)
	_, err = src.AddSourceBuffer("audio/mp4")
	assert.Error(t, err)
}
