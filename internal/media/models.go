// Package media defines the session inputs of the player: content
// references, stream descriptors and the track table read from a setup
// descriptor.
package media

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
)

// ErrInvalidDescriptor is returned for setup or stream descriptors that
// cannot drive a session.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

// Ref is an immutable content reference into the content store.
type Ref = cid.Cid

// ParseRef decodes the textual form of a content reference.
func ParseRef(s string) (Ref, error) {
	c, err := cid.Decode(strings.TrimSpace(s))
	if err != nil {
		return cid.Undef, fmt.Errorf("parse content ref %q: %w", s, err)
	}
	return c, nil
}

// Kind tells live sessions from on-demand ones.
type Kind int

const (
	Live Kind = iota
	OnDemand
)

func (k Kind) String() string {
	switch k {
	case Live:
		return "live"
	case OnDemand:
		return "on_demand"
	default:
		return "unknown"
	}
}

// StreamDescriptor is chosen once at session start and never changes.
// Topic and OriginPeer are set for Live; Duration and ContentRef for OnDemand.
type StreamDescriptor struct {
	Kind       Kind
	Topic      string
	OriginPeer string
	Duration   float64
	ContentRef Ref
}

// NewLive returns a descriptor for a live stream announced on topic by origin.
func NewLive(topic, origin string) StreamDescriptor {
	return StreamDescriptor{Kind: Live, Topic: topic, OriginPeer: origin}
}

// NewOnDemand returns a descriptor for a time-indexed stream rooted at ref.
func NewOnDemand(duration float64, ref Ref) StreamDescriptor {
	return StreamDescriptor{Kind: OnDemand, Duration: duration, ContentRef: ref}
}

// Validate reports whether the descriptor carries the fields its kind needs.
func (d StreamDescriptor) Validate() error {
	switch d.Kind {
	case Live:
		if d.Topic == "" || d.OriginPeer == "" {
			return fmt.Errorf("%w: live stream needs topic and origin peer", ErrInvalidDescriptor)
		}
	case OnDemand:
		if d.Duration <= 0 {
			return fmt.Errorf("%w: on-demand duration must be positive", ErrInvalidDescriptor)
		}
		if !d.ContentRef.Defined() {
			return fmt.Errorf("%w: on-demand stream needs a content ref", ErrInvalidDescriptor)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidDescriptor, d.Kind)
	}
	return nil
}

// Range is a buffered media time interval in seconds.
type Range struct {
	Start float64
	End   float64
}

// Empty reports whether the range covers no time, inverted ranges included.
func (r Range) Empty() bool {
	return r.Start >= r.End
}
