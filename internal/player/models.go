package player

import (
	"fmt"
	"time"

	"cas-player/internal/media"
	"cas-player/internal/stream"
)

// SessionID uniquely identifies a playback session.
type SessionID string

// SessionState is the registry record of a playback session.
type SessionState struct {
	ID         SessionID
	Descriptor media.StreamDescriptor
	Session    *stream.Session
	StartedAt  time.Time

	// Ended is set once the session stopped, on request or on a fatal error.
	Ended bool
	Err   error
}

// StartRequest is the JSON body of a session start request. Exactly one of
// Live and OnDemand must be set.
type StartRequest struct {
	Live     *LiveRequest     `json:"live,omitempty"`
	OnDemand *OnDemandRequest `json:"on_demand,omitempty"`
}

// LiveRequest selects a live stream announced on Topic by OriginPeer.
type LiveRequest struct {
	Topic      string `json:"topic"`
	OriginPeer string `json:"origin_peer"`
}

// OnDemandRequest selects a time-indexed stream rooted at ContentRef.
type OnDemandRequest struct {
	Duration   float64 `json:"duration"`
	ContentRef string  `json:"content_ref"`
}

// Descriptor converts the request into a validated stream descriptor.
func (r StartRequest) Descriptor() (media.StreamDescriptor, error) {
	switch {
	case r.Live != nil && r.OnDemand != nil:
		return media.StreamDescriptor{}, fmt.Errorf("%w: live and on_demand are exclusive", media.ErrInvalidDescriptor)
	case r.Live != nil:
		d := media.NewLive(r.Live.Topic, r.Live.OriginPeer)
		return d, d.Validate()
	case r.OnDemand != nil:
		ref, err := media.ParseRef(r.OnDemand.ContentRef)
		if err != nil {
			return media.StreamDescriptor{}, fmt.Errorf("%w: %v", media.ErrInvalidDescriptor, err)
		}
		d := media.NewOnDemand(r.OnDemand.Duration, ref)
		return d, d.Validate()
	default:
		return media.StreamDescriptor{}, fmt.Errorf("%w: one of live or on_demand is required", media.ErrInvalidDescriptor)
	}
}

// SeekRequest is the JSON body of a seek request.
type SeekRequest struct {
	Position *float64 `json:"position"`
}

// Range is a buffered interval in a status response.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// StatusResponse is the JSON view of a session.
type StatusResponse struct {
	ID          SessionID `json:"id"`
	Kind        string    `json:"kind"`
	Ended       bool      `json:"ended"`
	Error       string    `json:"error,omitempty"`
	State       string    `json:"state,omitempty"`
	Ready       bool      `json:"ready"`
	Quiescent   bool      `json:"quiescent"`
	Level       int       `json:"level"`
	Track       string    `json:"track,omitempty"`
	EstimateBPS float64   `json:"estimate_bps"`
	Queued      int       `json:"queued"`
	Buffered    []Range   `json:"buffered"`
	Position    float64   `json:"position"`
}
