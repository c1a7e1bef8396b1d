package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cas-player/internal/content"
	"cas-player/internal/media"
	"cas-player/internal/pubsub"
	"cas-player/internal/sink"
	"cas-player/internal/stream"

	"github.com/google/uuid"
)

// ErrNotReady is returned for track queries before a session read its setup
// descriptor.
var ErrNotReady = errors.New("session setup not complete")

// Env holds what every session is built from.
type Env struct {
	Config   stream.Config
	Store    content.Store
	Bus      pubsub.Bus
	Observer stream.Observer
	// NewDevice returns the playback device for a new session.
	NewDevice func() sink.MediaSource
}

// Service starts, inspects and stops playback sessions and keeps them in a
// Repository.
type Service struct {
	repo Repository
	env  Env
	log  *slog.Logger

	// OnEnded, when set, is called once per session that stops.
	OnEnded func(id SessionID, cause error)

	wg sync.WaitGroup
}

// NewService returns a Service that registers sessions in repo.
func NewService(repo Repository, env Env, log *slog.Logger) *Service {
	return &Service{repo: repo, env: env, log: log}
}

// Start creates a session for desc and runs it in the background.
func (s *Service) Start(desc media.StreamDescriptor) (SessionID, error) {
	id := SessionID(uuid.NewString())
	log := s.log.With(slog.String("session_id", string(id)))

	sess, err := stream.NewSession(desc, s.env.Config, stream.Deps{
		Store:    s.env.Store,
		Bus:      s.env.Bus,
		Sink:     sink.New(s.env.NewDevice(), log),
		Observer: s.env.Observer,
		Log:      log,
	})
	if err != nil {
		return "", err
	}

	st := &SessionState{ID: id, Descriptor: desc, Session: sess, StartedAt: time.Now().UTC()}
	if err := s.repo.Add(st); err != nil {
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := sess.Run(context.Background())
		if err != nil {
			log.Error("session failed", slog.String("error", err.Error()))
		}
		s.ended(id, err)
	}()
	return id, nil
}

// Seek moves playback of session id to position seconds.
func (s *Service) Seek(ctx context.Context, id SessionID, position float64) error {
	sess, err := s.live(id)
	if err != nil {
		return err
	}
	return mapClosed(sess.Seek(ctx, position))
}

// Status reports the state of session id. Ended sessions report the error
// that stopped them and no playback detail.
func (s *Service) Status(ctx context.Context, id SessionID) (StatusResponse, error) {
	st, ok := s.repo.Get(id)
	if !ok {
		return StatusResponse{}, ErrSessionNotFound
	}
	resp := StatusResponse{ID: id, Kind: st.Descriptor.Kind.String(), Buffered: []Range{}}
	if !st.Ended {
		ps, err := st.Session.Status(ctx)
		switch {
		case errors.Is(err, stream.ErrClosed):
			// stopped between the lookup and the query
			st, _ = s.repo.Get(id)
		case err != nil:
			return StatusResponse{}, err
		default:
			fillStatus(&resp, ps)
			return resp, nil
		}
	}
	resp.Ended = true
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp, nil
}

// Tracks returns the master playlist of session id.
func (s *Service) Tracks(ctx context.Context, id SessionID) (string, error) {
	sess, err := s.live(id)
	if err != nil {
		return "", err
	}
	ps, err := sess.Status(ctx)
	if err != nil {
		return "", mapClosed(err)
	}
	if ps.Tracks == nil {
		return "", ErrNotReady
	}
	return BuildMasterPlaylist(ps.Tracks), nil
}

// Stop tears session id down. Stopping an ended session is a no-op.
func (s *Service) Stop(id SessionID) error {
	st, ok := s.repo.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	st.Session.Close()
	s.ended(id, nil)
	return nil
}

// Shutdown stops every active session and waits for them to finish.
func (s *Service) Shutdown() {
	for _, st := range s.repo.Active() {
		st.Session.Close()
	}
	s.wg.Wait()
}

// ActiveSessionCount returns the number of running sessions.
func (s *Service) ActiveSessionCount() int {
	return s.repo.ActiveSessionCount()
}

func (s *Service) live(id SessionID) (*stream.Session, error) {
	st, ok := s.repo.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if st.Ended {
		return nil, ErrSessionClosed
	}
	return st.Session, nil
}

func (s *Service) ended(id SessionID, cause error) {
	ended, err := s.repo.End(id, cause)
	if err != nil || !ended {
		return
	}
	s.log.Info("session ended", slog.String("session_id", string(id)))
	if s.OnEnded != nil {
		s.OnEnded(id, cause)
	}
}

func mapClosed(err error) error {
	if errors.Is(err, stream.ErrClosed) {
		return ErrSessionClosed
	}
	return err
}

func fillStatus(resp *StatusResponse, ps stream.Status) {
	resp.State = ps.State.String()
	resp.Ready = ps.Ready
	resp.Quiescent = ps.Quiescent
	resp.Level = ps.Level
	resp.Track = ps.Track
	resp.EstimateBPS = ps.Estimate
	resp.Queued = ps.Queued
	resp.Position = ps.Position
	for _, r := range ps.Buffered {
		resp.Buffered = append(resp.Buffered, Range{Start: r.Start, End: r.End})
	}
}
