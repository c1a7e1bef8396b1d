// Package livefeed turns topic bus messages into segment announcements for a
// live session. Only messages from the stream's origin peer are accepted and
// each payload must be the text of a single content reference.
package livefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"cas-player/internal/media"
	"cas-player/internal/pubsub"
)

var (
	// ErrUnauthorizedPublisher marks a message from a peer other than the origin.
	ErrUnauthorizedPublisher = errors.New("unauthorized publisher")

	// ErrDecode marks a payload that is not a content reference.
	ErrDecode = errors.New("announcement decode failed")
)

// Drop reasons reported to the drop hook.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonDecode       = "decode"
)

// Feed subscribes to a live topic and delivers authenticated announcements.
type Feed struct {
	bus    pubsub.Bus
	topic  string
	origin string
	log    *slog.Logger

	// OnDrop, when set, is called with a reason for every rejected message.
	OnDrop func(reason string)

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

// New returns a Feed for topic that trusts only origin.
func New(bus pubsub.Bus, topic, origin string, log *slog.Logger) *Feed {
	return &Feed{bus: bus, topic: topic, origin: origin, log: log}
}

// Decode authenticates msg and parses its payload.
func (f *Feed) Decode(msg pubsub.Message) (media.Ref, error) {
	if msg.From != f.origin {
		return media.Ref{}, ErrUnauthorizedPublisher
	}
	if !utf8.Valid(msg.Data) {
		return media.Ref{}, fmt.Errorf("%w: payload is not utf-8", ErrDecode)
	}
	ref, err := media.ParseRef(string(msg.Data))
	if err != nil {
		return media.Ref{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return ref, nil
}

// Run subscribes and calls deliver for every accepted announcement in
// arrival order. It returns nil once ctx is done or Cancel is called, and an
// error if the subscription cannot be opened or the stream fails.
func (f *Feed) Run(ctx context.Context, deliver func(media.Ref)) error {
	f.mu.Lock()
	if f.cancelled {
		f.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.mu.Unlock()
	defer cancel()

	sub, err := f.bus.Subscribe(ctx, f.topic)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Cancel()

	f.log.Info("live feed subscribed", slog.String("topic", f.topic), slog.String("origin", f.origin))

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionClosed) {
				return nil
			}
			return fmt.Errorf("next announcement: %w", err)
		}

		ref, err := f.Decode(msg)
		switch {
		case errors.Is(err, ErrUnauthorizedPublisher):
			f.log.Debug("announcement dropped", slog.String("from", msg.From))
			f.dropped(ReasonUnauthorized)
			continue
		case err != nil:
			f.log.Warn("announcement dropped", slog.String("from", msg.From), slog.String("error", err.Error()))
			f.dropped(ReasonDecode)
			continue
		}

		// Cancel stops delivery immediately, even mid-stream.
		if ctx.Err() != nil {
			return nil
		}
		deliver(ref)
	}
}

// Cancel stops the subscription. It is idempotent and safe before Run.
func (f *Feed) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Feed) dropped(reason string) {
	if f.OnDrop != nil {
		f.OnDrop(reason)
	}
}
