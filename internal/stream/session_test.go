package stream

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cas-player/internal/content"
	"cas-player/internal/media"
	"cas-player/internal/pubsub"
	"cas-player/internal/sink"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu    sync.Mutex
	setup []byte
	fail  func(path string) bool
	calls []string
}

func (s *fakeStore) Get(ctx context.Context, ref media.Ref, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, content.Address(ref, path))
	if path == media.SetupPath {
		return s.setup, nil
	}
	if s.fail != nil && s.fail(path) {
		return nil, content.ErrNotFound
	}
	return []byte("bytes:" + path), nil
}

func (s *fakeStore) called(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

type countingSource struct {
	*sink.MemorySource
	appends atomic.Int64
}

func (c *countingSource) AddSourceBuffer(codec string) (sink.SourceBuffer, error) {
	b, err := c.MemorySource.AddSourceBuffer(codec)
	if err != nil {
		return nil, err
	}
	return &countingBuffer{SourceBuffer: b, n: &c.appends}, nil
}

type countingBuffer struct {
	sink.SourceBuffer
	n *atomic.Int64
}

func (b *countingBuffer) AppendBuffer(data []byte) error {
	b.n.Add(1)
	return b.SourceBuffer.AppendBuffer(data)
}

type recObserver struct {
	mu      sync.Mutex
	fetched int
	failed  int
	drops   map[string]int
}

func (o *recObserver) SegmentFetched() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetched++
}

func (o *recObserver) FetchFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func (o *recObserver) BandwidthEstimated(float64) {}
func (o *recObserver) LevelSelected(int)          {}
func (o *recObserver) LevelSwitched()             {}
func (o *recObserver) Flushed()                   {}

func (o *recObserver) AnnouncementDropped(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.drops == nil {
		o.drops = make(map[string]int)
	}
	o.drops[reason]++
}

func (o *recObserver) counts() (fetched, failed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fetched, o.failed
}

func (o *recObserver) dropped(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drops[reason]
}

func start(t *testing.T, desc media.StreamDescriptor, deps Deps) (*Session, <-chan error) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	if deps.Log == nil {
		deps.Log = discardLogger()
	}
	s, err := NewSession(desc, cfg, deps)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	t.Cleanup(s.Close)
	return s, errCh
}

func statusOf(s *Session) (Status, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := s.Status(ctx)
	return st, err == nil
}

func TestSession_onDemandBuffersToEndThenStops(t *testing.T) {
	store := &fakeStore{setup: newLadder(t).setup()}
	src := sink.NewMemorySource(sink.MemoryOptions{})
	obs := &recObserver{}
	s, _ := start(t, media.NewOnDemand(3, sumRef(t, "root")), Deps{
		Store:    store,
		Sink:     sink.New(src, discardLogger()),
		Observer: obs,
	})

	require.Eventually(t, func() bool {
		st, ok := statusOf(s)
		return ok && st.Quiescent
	}, 5*time.Second, 10*time.Millisecond)

	st, _ := statusOf(s)
	assert.Equal(t, []media.Range{{Start: 0, End: 3}}, st.Buffered)
	assert.Equal(t, 3.0, src.Duration())
	assert.NotEmpty(t, st.Track)

	for _, sec := range []string{"/second/0/", "/second/1/", "/second/2/"} {
		assert.Equal(t, 2, store.called(sec), sec)
	}

	// further wakes never fetch past the end
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, store.called("/second/3/"))
	fetched, failed := obs.counts()
	assert.Positive(t, fetched)
	assert.Zero(t, failed)
}

func TestSession_pairedFetchFailureNeverAppends(t *testing.T) {
	store := &fakeStore{
		setup: newLadder(t).setup(),
		fail: func(path string) bool {
			return strings.HasPrefix(path, "time/") && strings.HasSuffix(path, "/track/audio")
		},
	}
	src := &countingSource{MemorySource: sink.NewMemorySource(sink.MemoryOptions{})}
	obs := &recObserver{}
	s, _ := start(t, media.NewOnDemand(60, sumRef(t, "root")), Deps{
		Store:    store,
		Sink:     sink.New(src, discardLogger()),
		Observer: obs,
	})

	require.Eventually(t, func() bool {
		return store.called("/second/0/video/track/audio") >= 3
	}, 5*time.Second, 10*time.Millisecond)

	// only the two initialization segments reached the device
	assert.Equal(t, int64(2), src.appends.Load())
	st, ok := statusOf(s)
	require.True(t, ok)
	assert.Empty(t, st.Buffered)
	assert.True(t, st.Ready)
	_, failed := obs.counts()
	assert.GreaterOrEqual(t, failed, 2)
}

func TestSession_liveAcceptsOnlyOrigin(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	store := &fakeStore{setup: newLadder(t).setup()}
	obs := &recObserver{}
	s, _ := start(t, media.NewLive("stream", "origin-peer"), Deps{
		Store:    store,
		Bus:      bus,
		Sink:     sink.New(sink.NewMemorySource(sink.MemoryOptions{}), discardLogger()),
		Observer: obs,
	})

	require.Eventually(t, func() bool { return bus.Subscribers("stream") == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	forged := sumRef(t, "forged")
	first, second := sumRef(t, "seg-1"), sumRef(t, "seg-2")
	require.NoError(t, bus.Publish(ctx, "stream", "intruder", []byte(forged.String())))
	require.NoError(t, bus.Publish(ctx, "stream", "origin-peer", []byte("not a ref")))
	require.NoError(t, bus.Publish(ctx, "stream", "origin-peer", []byte(first.String())))
	require.NoError(t, bus.Publish(ctx, "stream", "origin-peer", []byte(second.String())))

	require.Eventually(t, func() bool {
		return store.called(second.String()+"/track/audio") == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, store.called(first.String()+"/setup"))
	assert.Zero(t, store.called(second.String()+"/setup"))
	assert.Zero(t, store.called(forged.String()))
	assert.Equal(t, 1, obs.dropped("unauthorized"))
	assert.Equal(t, 1, obs.dropped("decode"))

	require.Eventually(t, func() bool {
		st, ok := statusOf(s)
		return ok && st.Queued == 0 && st.State == Waiting
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSession_seekFlushesAndRefetches(t *testing.T) {
	store := &fakeStore{setup: newLadder(t).setup()}
	s, _ := start(t, media.NewOnDemand(600, sumRef(t, "root")), Deps{
		Store: store,
		Sink:  sink.New(sink.NewMemorySource(sink.MemoryOptions{}), discardLogger()),
	})

	require.Eventually(t, func() bool {
		st, ok := statusOf(s)
		return ok && len(st.Buffered) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Seek(context.Background(), 120))

	require.Eventually(t, func() bool {
		return store.called("time/hour/0/minute/1/second/59/video/track/audio") > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		st, ok := statusOf(s)
		return ok && len(st.Buffered) == 1 && st.Buffered[0].Start == 119
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSession_missingTrackEndsRun(t *testing.T) {
	store := &fakeStore{setup: newLadder(t).setup()}
	src := sink.NewMemorySource(sink.MemoryOptions{Accept: func(codec string) bool {
		return strings.HasPrefix(codec, "video/")
	}})
	s, errCh := start(t, media.NewOnDemand(60, sumRef(t, "root")), Deps{
		Store: store,
		Sink:  sink.New(src, discardLogger()),
	})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, sink.ErrMissingTrack)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.ErrorIs(t, s.Err(), sink.ErrMissingTrack)
	_, err := s.Status(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSession_closeIsIdempotent(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	s, errCh := start(t, media.NewLive("stream", "origin-peer"), Deps{
		Store: &fakeStore{},
		Bus:   bus,
		Sink:  sink.New(sink.NewMemorySource(sink.MemoryOptions{}), discardLogger()),
	})
	require.Eventually(t, func() bool { return bus.Subscribers("stream") == 1 }, time.Second, 5*time.Millisecond)

	s.Close()
	s.Close()
	assert.NoError(t, <-errCh)
	assert.ErrorIs(t, s.Seek(context.Background(), 1), ErrClosed)
	require.Eventually(t, func() bool { return bus.Subscribers("stream") == 0 }, time.Second, 5*time.Millisecond)
}

func TestNewSession_rejectsBadInput(t *testing.T) {
	deps := Deps{
		Store: &fakeStore{},
		Sink:  sink.New(sink.NewMemorySource(sink.MemoryOptions{}), discardLogger()),
		Log:   discardLogger(),
	}
	_, err := NewSession(media.NewOnDemand(0, sumRef(t, "root")), DefaultConfig(), deps)
	assert.ErrorIs(t, err, media.ErrInvalidDescriptor)

	_, err = NewSession(media.NewLive("stream", "origin"), DefaultConfig(), deps)
	assert.Error(t, err)
}
