package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cas-player/internal/content"
	"cas-player/internal/livefeed"
	"cas-player/internal/media"
	"cas-player/internal/pubsub"
	"cas-player/internal/sink"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by calls on a session that has ended.
var ErrClosed = errors.New("session closed")

// Observer receives playback measurements. Implementations must be safe for
// concurrent use by many sessions.
type Observer interface {
	SegmentFetched()
	FetchFailed()
	BandwidthEstimated(bps float64)
	LevelSelected(level int)
	LevelSwitched()
	Flushed()
	AnnouncementDropped(reason string)
}

// ReasonOverflow marks an announcement evicted from a full queue.
const ReasonOverflow = "overflow"

// Status is a point-in-time view of a session.
type Status struct {
	Kind      media.Kind
	State     State
	Ready     bool
	Quiescent bool
	Level     int
	Track     string
	Estimate  float64
	Queued    int
	Buffered  []media.Range
	Position  float64
	Tracks    *media.TrackTable
}

// Deps are the collaborators a session runs against.
type Deps struct {
	Store    content.Store
	Bus      pubsub.Bus
	Sink     *sink.Sink
	Observer Observer
	Log      *slog.Logger
	Now      func() time.Time
}

// Session runs a Machine. Every event, including fetch results, timer wakes
// and announcements, is delivered through one inbox and handled on the Run
// goroutine.
type Session struct {
	desc    media.StreamDescriptor
	cfg     Config
	machine *Machine
	store   content.Store
	sink    *sink.Sink
	feed    *livefeed.Feed
	obs     Observer
	log     *slog.Logger

	inbox   chan any
	stop    chan struct{}
	done    chan struct{}
	alive   atomic.Bool
	closeMu sync.Once

	// owned by the Run goroutine
	ctx     context.Context
	timer   *time.Timer
	gen     uint64
	level   int
	dropped uint64
	err     error
}

type timerFired struct{ gen uint64 }

type statusRequest struct{ reply chan Status }

// NewSession prepares a session for desc. Run starts it.
func NewSession(desc media.StreamDescriptor, cfg Config, deps Deps) (*Session, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	obs := deps.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	s := &Session{
		desc:    desc,
		cfg:     cfg,
		machine: NewMachine(desc, cfg, deps.Log, deps.Now),
		store:   deps.Store,
		sink:    deps.Sink,
		obs:     obs,
		log:     deps.Log,
		inbox:   make(chan any, 16),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if desc.Kind == media.Live {
		if deps.Bus == nil {
			return nil, errors.New("live session needs a topic bus")
		}
		s.feed = livefeed.New(deps.Bus, desc.Topic, desc.OriginPeer, deps.Log)
		s.feed.OnDrop = obs.AnnouncementDropped
	}
	s.alive.Store(true)
	return s, nil
}

// Run drives the session until ctx is done, Close is called or a fatal
// error occurs. It returns the fatal error, or nil on teardown.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	defer func() {
		s.alive.Store(false)
		cancel()
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.feed != nil {
			s.feed.Cancel()
		}
		close(s.done)
		s.log.Info("session stopped")
	}()

	if s.feed != nil {
		go func() {
			err := s.feed.Run(ctx, func(ref media.Ref) { s.post(Announced{Ref: ref}) })
			if err != nil {
				s.log.Error("live feed stopped", slog.String("error", err.Error()))
			}
		}()
	}

	s.log.Info("session started", slog.String("kind", s.desc.Kind.String()))
	if err := s.handle(Start{}); err != nil {
		s.err = err
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case msg := <-s.inbox:
			var err error
			switch msg := msg.(type) {
			case timerFired:
				if msg.gen == s.gen {
					err = s.handle(Wake{})
				}
			case statusRequest:
				msg.reply <- s.status()
			case Event:
				err = s.handle(msg)
			}
			if err != nil {
				s.err = err
				return err
			}
		}
	}
}

// Seek asks the session to move playback to position.
func (s *Session) Seek(ctx context.Context, position float64) error {
	return s.send(ctx, SeekRequested{Position: position})
}

// Status returns the session's current status.
func (s *Session) Status(ctx context.Context) (Status, error) {
	req := statusRequest{reply: make(chan Status, 1)}
	if err := s.send(ctx, req); err != nil {
		return Status{}, err
	}
	select {
	case st := <-req.reply:
		return st, nil
	case <-s.done:
		return Status{}, ErrClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Close tears the session down and waits for Run to return. It is
// idempotent. Run must have been started.
func (s *Session) Close() {
	s.closeMu.Do(func() { close(s.stop) })
	<-s.done
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the fatal error that ended the session, if any. It is valid
// after Done is closed.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Descriptor returns the stream the session plays.
func (s *Session) Descriptor() media.StreamDescriptor { return s.desc }

func (s *Session) send(ctx context.Context, msg any) error {
	if !s.alive.Load() {
		return ErrClosed
	}
	select {
	case s.inbox <- msg:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a completion. It is a no-op once the session is torn down.
func (s *Session) post(msg any) {
	if !s.alive.Load() {
		return
	}
	select {
	case s.inbox <- msg:
	case <-s.done:
	}
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{Buffered: s.sink.Buffered(), Position: s.sink.Position()}
}

// handle steps the machine with ev and runs the resulting effects. Effects
// that complete synchronously feed their result back before handle returns.
func (s *Session) handle(ev Event) error {
	queue := []Event{ev}
	for len(queue) > 0 {
		ev, queue = queue[0], queue[1:]
		for _, eff := range s.machine.Step(ev, s.snapshot()) {
			next, err := s.execute(eff)
			if err != nil {
				return err
			}
			if next != nil {
				queue = append(queue, next)
			}
		}
	}
	s.observe()
	return nil
}

func (s *Session) execute(eff Effect) (Event, error) {
	switch eff := eff.(type) {
	case Schedule:
		s.schedule()
	case Fetch:
		go s.fetch(eff.Targets)
	case Configure:
		audio, video, err := s.sink.Configure(eff.Tracks)
		return Configured{Audio: audio, Video: video, Unsupported: s.sink.Unsupported(), Err: err}, nil
	case Append:
		go func() { s.post(Appended{Err: s.sink.Append(eff.Video, eff.Audio)}) }()
	case Remove:
		s.obs.Flushed()
		go func() { s.post(Removed{Err: s.sink.Remove(eff.Range)}) }()
	case ChangeCodec:
		go func() { s.post(CodecChanged{Err: s.sink.ChangeCodec(eff.Codec)}) }()
	case Seek:
		s.sink.Seek(eff.Position)
	case SetDuration:
		if err := s.sink.SetDuration(eff.Seconds); err != nil {
			s.log.Warn("set duration failed", slog.String("error", err.Error()))
		}
	case Fail:
		return nil, eff.Err
	}
	return nil, nil
}

func (s *Session) schedule() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.cfg.TickInterval, func() { s.post(timerFired{gen: gen}) })
}

// fetch reads all targets and reports once every read settled. A failed read
// discards the others.
func (s *Session) fetch(targets []Target) {
	data := make([][]byte, len(targets))
	g, ctx := errgroup.WithContext(s.ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			b, err := s.store.Get(ctx, t.Ref, t.Path)
			if err != nil {
				return err
			}
			data[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.obs.FetchFailed()
		s.post(Fetched{Err: err})
		return
	}
	s.obs.SegmentFetched()
	s.post(Fetched{Data: data})
}

func (s *Session) observe() {
	if est, ok := s.machine.Estimate(); ok {
		s.obs.BandwidthEstimated(est)
	}
	if lvl := s.machine.Level(); lvl != s.level {
		if s.level != 0 {
			s.obs.LevelSwitched()
		}
		s.level = lvl
		s.obs.LevelSelected(lvl)
	}
	if d := s.machine.QueueDropped(); d > s.dropped {
		for ; s.dropped < d; s.dropped++ {
			s.obs.AnnouncementDropped(ReasonOverflow)
		}
	}
}

func (s *Session) status() Status {
	snap := s.snapshot()
	st := Status{
		Kind:      s.desc.Kind,
		State:     s.machine.State(),
		Ready:     s.machine.Ready(),
		Quiescent: s.machine.Quiescent(),
		Level:     s.machine.Level(),
		Queued:    s.machine.QueueLen(),
		Buffered:  snap.Buffered,
		Position:  snap.Position,
		Tracks:    s.machine.Tracks(),
	}
	if est, ok := s.machine.Estimate(); ok {
		st.Estimate = est
	}
	if st.Tracks != nil && st.Level > 0 {
		st.Track = st.Tracks.At(st.Level).Name
	}
	return st
}

type nopObserver struct{}

func (nopObserver) SegmentFetched()            {}
func (nopObserver) FetchFailed()               {}
func (nopObserver) BandwidthEstimated(float64) {}
func (nopObserver) LevelSelected(int)          {}
func (nopObserver) LevelSwitched()             {}
func (nopObserver) Flushed()                   {}
func (nopObserver) AnnouncementDropped(string) {}
