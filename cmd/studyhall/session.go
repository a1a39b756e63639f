package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/studyhall/internal/app/negotiator"
	"github.com/dkeye/studyhall/internal/app/recorder"
	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

// studySession drives one negotiator from the command line.
type studySession struct {
	n        *negotiator.Negotiator
	id       domain.SessionID
	role     domain.Role
	recorder *recorder.Manager
	out      io.Writer
}

var errSessionFailed = errors.New("study session failed")

// run starts capture, creates or joins the session and handles events until
// ctx ends, the relay goes away or the attempt fails. It always leaves.
func (s *studySession) run(ctx context.Context, timeout time.Duration, relayDone <-chan struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	failed := make(chan error, 1)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.events(ctx, failed)
	}()

	err := s.start(ctx, timeout)
	if err == nil {
		select {
		case <-ctx.Done():
		case <-relayDone:
			err = fmt.Errorf("relay connection lost: %w", domain.ErrTransportFailure)
		case err = <-failed:
		}
	}

	studied := s.n.ConnectedFor()
	leaveErr := s.n.Leave()
	cancel()
	<-loopDone
	if s.recorder != nil {
		s.recorder.StopAll()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.recorder.Wait(waitCtx); err != nil {
			log.Warn().Err(err).Str("module", "studyhall").Msg("recordings not finalized")
		}
		waitCancel()
	}
	fmt.Fprintf(s.out, "studied for %s\n", formatStudyTime(studied))
	if leaveErr != nil {
		log.Warn().Err(leaveErr).Str("module", "studyhall").Msg("leave")
	}
	return err
}

func (s *studySession) start(ctx context.Context, timeout time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	media, err := s.n.StartLocalCapture(opCtx)
	if err != nil {
		return err
	}
	if s.role == domain.RoleCaller {
		if err := s.n.CreateSession(opCtx, s.id, media); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "session %s created, share this id with your study partner\n", s.id)
		return nil
	}
	if err := s.n.JoinSession(opCtx, s.id, media); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "joined session %s\n", s.id)
	return nil
}

func (s *studySession) events(ctx context.Context, failed chan<- error) {
	logger := log.With().Str("module", "studyhall").Str("session", string(s.id)).Logger()
	for {
		var ev negotiator.Event
		select {
		case <-ctx.Done():
			return
		case ev = <-s.n.Events():
		}
		switch ev.Kind {
		case negotiator.EventState:
			logger.Info().Str("state", ev.State.String()).Msg("state changed")
			if ev.State == negotiator.Connected {
				fmt.Fprintln(s.out, "connected, happy studying")
			}
		case negotiator.EventLocalMedia:
			logger.Info().Str("stream", ev.Media.StreamID()).Int("tracks", len(ev.Media.Tracks())).Msg("local media ready")
		case negotiator.EventRemoteMedia:
			logger.Info().Str("track", ev.Track.ID()).Str("kind", ev.Track.Kind().String()).Msg("remote media")
			s.consume(ctx, ev.Track)
		case negotiator.EventError:
			logger.Error().Err(ev.Err).Str("kind", string(ev.ErrKind)).Msg("session error")
			select {
			case failed <- fmt.Errorf("%w: %w", errSessionFailed, ev.Err):
			default:
			}
		}
	}
}

// consume records track when a recorder is set, and discards it otherwise
// so its buffers keep draining.
func (s *studySession) consume(ctx context.Context, track core.RemoteTrack) {
	if s.recorder != nil {
		relay, err := s.recorder.Record(ctx, s.id, track)
		if err == nil {
			go func() {
				<-relay.Done()
				log.Info().Str("module", "studyhall").Str("track", track.ID()).Msg("recording finalized")
			}()
			return
		}
		log.Warn().Err(err).Str("module", "studyhall").Str("track", track.ID()).Msg("not recording track")
	}
	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
}
