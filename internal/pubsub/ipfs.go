package pubsub

import (
	"context"
	"fmt"
	"sync"

	shell "github.com/ipfs/go-ipfs-api"
)

// IPFSBus subscribes to topics through the pubsub endpoints of an IPFS HTTP
// API.
type IPFSBus struct {
	sh *shell.Shell
}

// NewIPFSBus returns a Bus backed by sh.
func NewIPFSBus(sh *shell.Shell) *IPFSBus {
	return &IPFSBus{sh: sh}
}

// Subscribe implements Bus.Subscribe.
func (b *IPFSBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := b.sh.PubSubSubscribe(topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", topic, err)
	}
	s := &ipfsSubscription{
		sub:  sub,
		msgs: make(chan Message),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

type ipfsSubscription struct {
	sub  *shell.PubSubSubscription
	msgs chan Message
	errs chan error
	done chan struct{}
	once sync.Once
}

// pump moves messages off the blocking HTTP stream so Next can honour ctx.
func (s *ipfsSubscription) pump() {
	for {
		m, err := s.sub.Next()
		if err != nil {
			select {
			case s.errs <- err:
			default:
			}
			return
		}
		msg := Message{From: m.From.String(), Data: m.Data}
		select {
		case s.msgs <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *ipfsSubscription) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-s.done:
		return Message{}, ErrSubscriptionClosed
	case m := <-s.msgs:
		return m, nil
	case err := <-s.errs:
		return Message{}, fmt.Errorf("pubsub stream: %w", err)
	}
}

func (s *ipfsSubscription) Cancel() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Cancel()
	})
	return err
}
