package stream

import (
	"time"

	"cas-player/internal/media"
)

// State is the controller's position in its playback loop.
type State int

const (
	Waiting State = iota
	Loading
	Estimating
	Switching
	Flushing
	Checking
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "WAITING"
	case Loading:
		return "LOADING"
	case Estimating:
		return "ESTIMATING"
	case Switching:
		return "SWITCHING"
	case Flushing:
		return "FLUSHING"
	case Checking:
		return "CHECKING"
	default:
		return "UNKNOWN"
	}
}

// Config holds the controller's buffer policy and pacing.
type Config struct {
	// BackBuffer is how many seconds behind the playhead are kept.
	BackBuffer float64
	// ForwardBuffer is how many seconds ahead of the playhead are fetched
	// before on-demand loading pauses.
	ForwardBuffer float64
	// TickInterval is the delay of every scheduled wake.
	TickInterval time.Duration
	// QueueCapacity bounds pending live announcements.
	QueueCapacity int
}

// DefaultConfig returns the standard buffer policy.
func DefaultConfig() Config {
	return Config{
		BackBuffer:    8,
		ForwardBuffer: 16,
		TickInterval:  time.Second,
		QueueCapacity: 64,
	}
}

// Snapshot is the device state observed just before an event is handled.
type Snapshot struct {
	Buffered []media.Range
	Position float64
}

func (s Snapshot) first() (media.Range, bool) {
	if len(s.Buffered) == 0 {
		return media.Range{}, false
	}
	return s.Buffered[0], true
}

func (s Snapshot) last() (media.Range, bool) {
	if len(s.Buffered) == 0 {
		return media.Range{}, false
	}
	return s.Buffered[len(s.Buffered)-1], true
}

// Event is an input to Machine.Step.
type Event interface{ event() }

// Start begins the session.
type Start struct{}

// Wake is a scheduled timer firing.
type Wake struct{}

// Fetched carries the result of a Fetch effect. Data holds one entry per
// target, in target order, and is nil when Err is set.
type Fetched struct {
	Data [][]byte
	Err  error
}

// Configured carries the result of a Configure effect. Unsupported lists
// the track indices whose codecs the device rejected.
type Configured struct {
	Audio       int
	Video       int
	Unsupported []int
	Err         error
}

// Appended reports that an Append effect completed.
type Appended struct{ Err error }

// Removed reports that a Remove effect completed.
type Removed struct{ Err error }

// CodecChanged reports that a ChangeCodec effect completed.
type CodecChanged struct{ Err error }

// SeekRequested moves playback to Position.
type SeekRequested struct{ Position float64 }

// Announced delivers an authenticated live segment reference.
type Announced struct{ Ref media.Ref }

func (Start) event()         {}
func (Wake) event()          {}
func (Fetched) event()       {}
func (Configured) event()    {}
func (Appended) event()      {}
func (Removed) event()       {}
func (CodecChanged) event()  {}
func (SeekRequested) event() {}
func (Announced) event()     {}

// Effect is work Machine.Step asks the runtime to perform.
type Effect interface{ effect() }

// Target is one content store read.
type Target struct {
	Ref  media.Ref
	Path string
}

// Schedule arms the wake timer, replacing any armed one.
type Schedule struct{}

// Fetch reads every target concurrently and answers with one Fetched. Targets
// hold the video (or setup) read first and the optional audio read second.
type Fetch struct{ Targets []Target }

// Configure creates the device buffers for Tracks and answers with Configured.
type Configure struct{ Tracks *media.TrackTable }

// Append hands bytes to the device and answers with Appended. Audio may be nil.
type Append struct {
	Video []byte
	Audio []byte
}

// Remove evicts Range from both buffers and answers with Removed.
type Remove struct{ Range media.Range }

// ChangeCodec switches the video buffer and answers with CodecChanged.
type ChangeCodec struct{ Codec string }

// Seek moves the device playhead. It completes synchronously.
type Seek struct{ Position float64 }

// SetDuration sets the presentation duration. It completes synchronously.
type SetDuration struct{ Seconds float64 }

// Fail ends the session with Err.
type Fail struct{ Err error }

func (Schedule) effect()    {}
func (Fetch) effect()       {}
func (Configure) effect()   {}
func (Append) effect()      {}
func (Remove) effect()      {}
func (ChangeCodec) effect() {}
func (Seek) effect()        {}
func (SetDuration) effect() {}
func (Fail) effect()        {}
