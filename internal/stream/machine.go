// Package stream drives a playback session: a reducer Machine decides what
// happens next and a Session runs the effects it asks for.
package stream

import (
	"fmt"
	"log/slog"
	"time"

	"cas-player/internal/abr"
	"cas-player/internal/livefeed"
	"cas-player/internal/locator"
	"cas-player/internal/media"
)

// await names the completion the machine is blocked on.
type await int

const (
	idle await = iota
	awaitSetup
	awaitConfigure
	awaitInit
	awaitInitAppend
	awaitSegment
	awaitSegmentAppend
	awaitCodec
	awaitSwitchInit
	awaitSwitchAppend
	awaitRemove
)

// Machine is the stream controller. Step is its only mutator and must be
// called from a single goroutine. At most one effect that answers with an
// event is outstanding at any time.
type Machine struct {
	cfg   Config
	desc  media.StreamDescriptor
	log   *slog.Logger
	est   *abr.Estimator
	queue *livefeed.Queue

	state  State
	await  await
	tracks *media.TrackTable
	ready  bool
	audio  int
	level  int

	// playable is false for levels the device rejected, indexed like tracks
	playable  []bool
	prevLevel int

	// live: last consumed announcement, re-read at the new level after a switch
	lastRef media.Ref
	refetch bool

	// throughput sample taken when the last segment fetch settled
	sampleAvg float64
	sampled   bool

	fullFlush   bool
	seekPending bool
	seekTo      float64
	quiescent   bool
	failed      bool

	// scratch for the current Step
	snap Snapshot
	out  []Effect
}

// NewMachine returns a controller in WAITING for desc. now feeds the
// throughput estimator; nil uses time.Now.
func NewMachine(desc media.StreamDescriptor, cfg Config, log *slog.Logger, now func() time.Time) *Machine {
	return &Machine{
		cfg:   cfg,
		desc:  desc,
		log:   log,
		est:   abr.NewEstimator(now),
		queue: livefeed.NewQueue(cfg.QueueCapacity),
		state: Waiting,
	}
}

// Step applies ev against the device state in snap and returns the effects
// to run, in order.
func (m *Machine) Step(ev Event, snap Snapshot) []Effect {
	if m.failed {
		return nil
	}
	m.snap = snap
	m.out = nil

	switch ev := ev.(type) {
	case Start:
		if m.desc.Kind == media.OnDemand {
			m.fetchSetup(m.desc.ContentRef)
		}
	case Wake:
		m.wake()
	case Announced:
		m.announce(ev.Ref)
	case SeekRequested:
		m.seek(ev.Position)
	case Fetched:
		m.fetched(ev)
	case Configured:
		m.configured(ev)
	case Appended:
		m.appended(ev.Err)
	case Removed:
		m.removed(ev.Err)
	case CodecChanged:
		m.codecChanged(ev.Err)
	}

	out := m.out
	m.out = nil
	return out
}

// State returns the current controller state.
func (m *Machine) State() State { return m.state }

// Level returns the selected video level, or 0 before setup.
func (m *Machine) Level() int { return m.level }

// Estimate returns the throughput average in bits per second.
func (m *Machine) Estimate() (float64, bool) { return m.est.Average() }

// Tracks returns the track table, or nil before setup.
func (m *Machine) Tracks() *media.TrackTable { return m.tracks }

// Ready reports whether setup finished and initialization segments are buffered.
func (m *Machine) Ready() bool { return m.ready }

// Quiescent reports whether an on-demand session has buffered to the end.
func (m *Machine) Quiescent() bool { return m.quiescent }

// Failed reports whether the session hit a fatal error.
func (m *Machine) Failed() bool { return m.failed }

// QueueLen returns the number of pending live announcements.
func (m *Machine) QueueLen() int { return m.queue.Len() }

// QueueDropped returns how many announcements overflow evicted.
func (m *Machine) QueueDropped() uint64 { return m.queue.Dropped() }

func (m *Machine) emit(e Effect) {
	m.out = append(m.out, e)
}

func (m *Machine) enter(s State) {
	if m.seekPending && s != Switching {
		m.applySeek()
		return
	}
	if s != m.state {
		m.log.Debug("state transition", slog.String("from", m.state.String()), slog.String("to", s.String()))
	}
	m.state = s

	switch s {
	case Waiting:
		m.emit(Schedule{})
	case Loading:
		m.load()
	case Estimating:
		m.estimate()
	case Switching:
		m.switchLevel()
	case Flushing:
		m.flush()
	case Checking:
		m.check()
	}
}

func (m *Machine) wake() {
	if m.await != idle || m.quiescent {
		return
	}
	switch {
	case m.tracks == nil:
		if m.desc.Kind == media.OnDemand {
			m.fetchSetup(m.desc.ContentRef)
		}
	case !m.ready:
		m.fetchInit()
	case m.state == Waiting:
		m.enter(Loading)
	default:
		m.enter(m.state)
	}
}

func (m *Machine) announce(ref media.Ref) {
	if m.desc.Kind != media.Live {
		return
	}
	if m.queue.Push(ref) {
		m.log.Warn("announcement queue full, oldest dropped", slog.Int("capacity", m.queue.Cap()))
	}
	if m.tracks == nil && m.await == idle {
		m.fetchSetup(ref)
	}
}

func (m *Machine) seek(position float64) {
	if !m.ready {
		m.emit(Seek{Position: position})
		m.snap.Position = position
		return
	}
	m.seekPending = true
	m.seekTo = position
	if m.await == idle && m.state != Switching {
		m.applySeek()
	}
}

func (m *Machine) applySeek() {
	m.seekPending = false
	m.quiescent = false
	m.refetch = false
	m.emit(Seek{Position: m.seekTo})
	m.snap.Position = m.seekTo
	m.fullFlush = true
	m.enter(Flushing)
}

// stay keeps the current state after a failure and lets the next wake
// re-drive it.
func (m *Machine) stay() {
	if m.seekPending && m.state != Switching {
		m.applySeek()
		return
	}
	m.emit(Schedule{})
}

func (m *Machine) fetchSetup(ref media.Ref) {
	m.await = awaitSetup
	m.emit(Fetch{Targets: []Target{{Ref: ref, Path: media.SetupPath}}})
}

func (m *Machine) fetchInit() {
	m.await = awaitInit
	m.emit(Fetch{Targets: []Target{
		{Ref: m.tracks.At(m.level).InitSegment},
		{Ref: m.tracks.At(m.audio).InitSegment},
	}})
}

func (m *Machine) fetched(ev Fetched) {
	switch m.await {
	case awaitSetup:
		m.await = idle
		if ev.Err != nil {
			m.log.Warn("setup fetch failed", slog.String("error", ev.Err.Error()))
			m.setupFailed()
			return
		}
		tracks, err := media.DecodeSetup(ev.Data[0])
		if err != nil {
			m.log.Warn("setup descriptor rejected", slog.String("error", err.Error()))
			m.setupFailed()
			return
		}
		m.tracks = tracks
		m.await = awaitConfigure
		m.emit(Configure{Tracks: tracks})

	case awaitInit:
		m.await = idle
		if ev.Err != nil {
			m.log.Warn("initialization segment fetch failed", slog.String("error", ev.Err.Error()))
			m.emit(Schedule{})
			return
		}
		m.await = awaitInitAppend
		m.emit(Append{Video: ev.Data[0], Audio: ev.Data[1]})

	case awaitSegment:
		m.await = idle
		if ev.Err != nil {
			m.log.Warn("segment fetch failed", slog.String("error", ev.Err.Error()))
			m.enter(Waiting)
			return
		}
		var size int
		for _, d := range ev.Data {
			size += len(d)
		}
		m.sampleAvg, m.sampled = m.est.Sample(float64(size) * 8)
		if m.seekPending {
			m.applySeek()
			return
		}
		var audio []byte
		if len(ev.Data) > 1 {
			audio = ev.Data[1]
		}
		m.await = awaitSegmentAppend
		m.emit(Append{Video: ev.Data[0], Audio: audio})

	case awaitSwitchInit:
		m.await = idle
		if ev.Err != nil {
			m.log.Warn("initialization segment fetch failed", slog.Int("level", m.level), slog.String("error", ev.Err.Error()))
			m.stay()
			return
		}
		m.await = awaitSwitchAppend
		m.emit(Append{Video: ev.Data[0]})
	}
}

func (m *Machine) setupFailed() {
	// live retries on the next announcement
	if m.desc.Kind == media.OnDemand {
		m.emit(Schedule{})
	}
}

func (m *Machine) configured(ev Configured) {
	if m.await != awaitConfigure {
		return
	}
	m.await = idle
	if ev.Err != nil {
		m.failed = true
		m.log.Error("setup aborted", slog.String("error", ev.Err.Error()))
		m.emit(Fail{Err: ev.Err})
		return
	}
	if ev.Audio != 0 || ev.Video < 1 || ev.Video >= m.tracks.Len() {
		err := fmt.Errorf("%w: device buffers map to audio track %d and video track %d",
			media.ErrInvalidDescriptor, ev.Audio, ev.Video)
		m.failed = true
		m.log.Error("setup aborted", slog.String("error", err.Error()))
		m.emit(Fail{Err: err})
		return
	}
	m.audio = ev.Audio
	m.level = ev.Video
	m.playable = make([]bool, m.tracks.Len())
	for i := 1; i < len(m.playable); i++ {
		m.playable[i] = true
	}
	for _, i := range ev.Unsupported {
		if i > 0 && i < len(m.playable) {
			m.playable[i] = false
		}
	}
	if m.desc.Kind == media.OnDemand {
		m.emit(SetDuration{Seconds: m.desc.Duration})
	}
	m.fetchInit()
}

func (m *Machine) appended(err error) {
	switch m.await {
	case awaitInitAppend:
		m.await = idle
		if err != nil {
			m.log.Warn("append failed", slog.String("segment", "init"), slog.String("error", err.Error()))
			m.emit(Schedule{})
			return
		}
		m.ready = true
		m.log.Info("playback ready",
			slog.Int("level", m.level),
			slog.String("video", m.tracks.At(m.level).Name),
			slog.String("audio", m.tracks.At(m.audio).Name))
		m.enter(Loading)

	case awaitSegmentAppend:
		m.await = idle
		if err != nil {
			m.log.Warn("append failed", slog.String("error", err.Error()))
			m.stay()
			return
		}
		m.enter(Estimating)

	case awaitSwitchAppend:
		m.await = idle
		if err != nil {
			m.log.Warn("append failed", slog.Int("level", m.level), slog.String("error", err.Error()))
			m.stay()
			return
		}
		if m.desc.Kind == media.Live {
			m.refetch = true
		}
		m.enter(Loading)
	}
}

func (m *Machine) removed(err error) {
	if m.await != awaitRemove {
		return
	}
	m.await = idle
	if err != nil {
		m.log.Warn("remove failed", slog.String("error", err.Error()))
		m.stay()
		return
	}
	m.fullFlush = false
	m.enter(Loading)
}

func (m *Machine) codecChanged(err error) {
	if m.await != awaitCodec {
		return
	}
	m.await = idle
	if err != nil {
		// the device still holds the previous level's codec and init segment
		m.log.Warn("codec change failed, level disabled",
			slog.Int("level", m.level),
			slog.Int("fallback", m.prevLevel),
			slog.String("error", err.Error()))
		m.playable[m.level] = false
		m.level = m.prevLevel
		m.enter(Loading)
		return
	}
	m.await = awaitSwitchInit
	m.emit(Fetch{Targets: []Target{{Ref: m.tracks.At(m.level).InitSegment}}})
}

func (m *Machine) load() {
	video := m.tracks.At(m.level).Name
	audio := m.tracks.At(m.audio).Name

	if m.desc.Kind == media.Live {
		if m.refetch && m.lastRef.Defined() {
			m.refetch = false
			m.fetchSegment([]Target{{Ref: m.lastRef, Path: locator.LivePath(video)}})
			return
		}
		m.refetch = false
		ref, ok := m.queue.Pop()
		if !ok {
			m.enter(Waiting)
			return
		}
		m.lastRef = ref
		m.fetchSegment([]Target{
			{Ref: ref, Path: locator.LivePath(video)},
			{Ref: ref, Path: locator.LivePath(audio)},
		})
		return
	}

	last, ok := m.snap.last()
	if ok && last.End >= m.desc.Duration {
		m.enter(Checking)
		return
	}
	var end *media.Range
	if ok {
		end = &last
	}
	tc := locator.CurrentTimecode(end, m.snap.Position)
	m.fetchSegment([]Target{
		{Ref: m.desc.ContentRef, Path: locator.OnDemandPath(tc, video)},
		{Ref: m.desc.ContentRef, Path: locator.OnDemandPath(tc, audio)},
	})
}

func (m *Machine) fetchSegment(targets []Target) {
	m.est.StartTimer()
	m.await = awaitSegment
	m.emit(Fetch{Targets: targets})
}

func (m *Machine) estimate() {
	avg, ok := m.sampleAvg, m.sampled
	m.sampled = false
	if !ok {
		m.enter(Checking)
		return
	}
	next := abr.SelectPlayableLevel(avg, m.tracks.Bandwidths(), m.isPlayable)
	if next == 0 || next == m.level {
		m.enter(Checking)
		return
	}
	m.log.Info("level switch",
		slog.Int("from", m.level),
		slog.Int("to", next),
		slog.Float64("estimate_bps", avg))
	m.prevLevel = m.level
	m.level = next
	m.enter(Switching)
}

func (m *Machine) isPlayable(level int) bool {
	return level < len(m.playable) && m.playable[level]
}

func (m *Machine) switchLevel() {
	m.await = awaitCodec
	m.emit(ChangeCodec{Codec: m.tracks.At(m.level).Codec})
}

func (m *Machine) check() {
	if m.quiescent {
		return
	}
	first, ok := m.snap.first()
	if !ok {
		m.enter(Loading)
		return
	}
	last, _ := m.snap.last()
	pos := m.snap.Position

	switch {
	case pos < first.Start:
		mid := (first.Start + first.End) / 2
		m.log.Debug("playhead behind buffer", slog.Float64("position", pos), slog.Float64("seek_to", mid))
		m.emit(Seek{Position: mid})
		m.snap.Position = mid
		m.emit(Schedule{})
	case pos > first.Start+m.cfg.BackBuffer:
		m.fullFlush = false
		m.enter(Flushing)
	case m.desc.Kind == media.OnDemand && last.End >= m.desc.Duration:
		m.quiescent = true
		m.log.Info("buffered to end", slog.Float64("buffered_end", last.End), slog.Float64("duration", m.desc.Duration))
	case m.desc.Kind == media.OnDemand && pos+m.cfg.ForwardBuffer < last.End:
		m.enter(Waiting)
	default:
		m.enter(Loading)
	}
}

func (m *Machine) flush() {
	first, ok := m.snap.first()
	if !ok {
		m.fullFlush = false
		m.enter(Loading)
		return
	}
	last, _ := m.snap.last()
	window := media.Range{Start: first.Start, End: last.End}
	if !m.fullFlush && first.Start < m.snap.Position-m.cfg.BackBuffer {
		window.End = m.snap.Position - m.cfg.BackBuffer
	}
	m.await = awaitRemove
	m.emit(Remove{Range: window})
}
