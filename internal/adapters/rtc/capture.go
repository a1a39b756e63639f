package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

// CaptureConfig describes where local media comes from. A headless process
// has no camera, so video and audio are read from files or synthesized.
type CaptureConfig struct {
	// Deny refuses every capture, as a user declining the permission prompt.
	Deny bool
	// VideoFile is an IVF (VP8) file played in a loop. Empty means synthetic.
	VideoFile string
	// AudioFile is an Ogg (Opus) file played in a loop. Empty means synthetic.
	AudioFile string
	// FilesOnly disables synthetic sources; a kind without a file is denied.
	FilesOnly bool
}

const (
	syntheticVideoInterval = time.Second / 30
	syntheticAudioInterval = 20 * time.Millisecond
	oggSampleRate          = 48000
)

var (
	// placeholder VP8 payload, never decoded on the relay path
	syntheticVP8 = make([]byte, 64)
	// Opus silence frame
	syntheticOpus = []byte{0xf8, 0xff, 0xfe}
)

type localMedia struct {
	streamID string
	tracks   []webrtc.TrackLocal
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

func (m *localMedia) StreamID() string            { return m.streamID }
func (m *localMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func (m *localMedia) Stop() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

// Capture opens the requested sources and starts pacing samples into fresh
// local tracks. Unreadable sources are reported as domain.ErrMediaAccessDenied.
func Capture(ctx context.Context, cfg CaptureConfig, constraints core.MediaConstraints) (core.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Deny {
		return nil, fmt.Errorf("capture refused: %w", domain.ErrMediaAccessDenied)
	}
	if !constraints.Video && !constraints.Audio {
		return nil, fmt.Errorf("no media requested: %w", domain.ErrMediaAccessDenied)
	}

	streamID := uuid.NewString()
	logger := log.With().Str("module", "rtc.capture").Str("stream_id", streamID).Logger()

	type source struct {
		track *webrtc.TrackLocalStaticSample
		run   func(ctx context.Context, track *webrtc.TrackLocalStaticSample) error
	}
	var sources []source

	if constraints.Video {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, err
		}
		run, err := videoSource(cfg.VideoFile, cfg.FilesOnly)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source{track: track, run: run})
	}
	if constraints.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			return nil, err
		}
		run, err := audioSource(cfg.AudioFile, cfg.FilesOnly)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source{track: track, run: run})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m := &localMedia{streamID: streamID, cancel: cancel}
	for _, src := range sources {
		m.tracks = append(m.tracks, src.track)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := src.run(runCtx, src.track); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("track_id", src.track.ID()).Msg("media source stopped")
			}
		}()
	}
	logger.Info().Int("tracks", len(m.tracks)).Msg("capture started")
	return m, nil
}

type sourceFunc = func(ctx context.Context, track *webrtc.TrackLocalStaticSample) error

func videoSource(path string, filesOnly bool) (sourceFunc, error) {
	if path == "" {
		if filesOnly {
			return nil, fmt.Errorf("no video source: %w", domain.ErrMediaAccessDenied)
		}
		return synthetic(syntheticVP8, syntheticVideoInterval), nil
	}
	if err := probe(path, func(f *os.File) error {
		_, _, err := ivfreader.NewWith(f)
		return err
	}); err != nil {
		return nil, err
	}
	return func(ctx context.Context, track *webrtc.TrackLocalStaticSample) error {
		return loopFile(ctx, path, func(ctx context.Context, f *os.File) error {
			return playIVF(ctx, f, track)
		})
	}, nil
}

func audioSource(path string, filesOnly bool) (sourceFunc, error) {
	if path == "" {
		if filesOnly {
			return nil, fmt.Errorf("no audio source: %w", domain.ErrMediaAccessDenied)
		}
		return synthetic(syntheticOpus, syntheticAudioInterval), nil
	}
	if err := probe(path, func(f *os.File) error {
		_, _, err := oggreader.NewWith(f)
		return err
	}); err != nil {
		return nil, err
	}
	return func(ctx context.Context, track *webrtc.TrackLocalStaticSample) error {
		return loopFile(ctx, path, func(ctx context.Context, f *os.File) error {
			return playOgg(ctx, f, track)
		})
	}, nil
}

// probe opens path and checks its header so a bad source fails capture
// instead of the pacing goroutine.
func probe(path string, check func(*os.File) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w: %w", path, domain.ErrMediaAccessDenied, err)
	}
	defer f.Close()
	if err := check(f); err != nil {
		return fmt.Errorf("read %s: %w: %w", path, domain.ErrMediaAccessDenied, err)
	}
	return nil
}

func synthetic(payload []byte, interval time.Duration) sourceFunc {
	return func(ctx context.Context, track *webrtc.TrackLocalStaticSample) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if err := track.WriteSample(media.Sample{Data: payload, Duration: interval}); err != nil {
				return err
			}
		}
	}
}

func loopFile(ctx context.Context, path string, play func(context.Context, *os.File) error) error {
	for {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		err = play(ctx, f)
		f.Close()
		if !errors.Is(err, io.EOF) {
			return err
		}
	}
}

func playIVF(ctx context.Context, f *os.File, track *webrtc.TrackLocalStaticSample) error {
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}
	interval := syntheticVideoInterval
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		interval = time.Duration(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000) * time.Millisecond
	}
	if interval <= 0 {
		interval = syntheticVideoInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		frame, _, err := reader.ParseNextFrame()
		if err != nil {
			return err
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
			return err
		}
	}
}

func playOgg(ctx context.Context, f *os.File, track *webrtc.TrackLocalStaticSample) error {
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}
	var lastGranule uint64
	ticker := time.NewTicker(syntheticAudioInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		page, header, err := reader.ParseNextPage()
		if err != nil {
			return err
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples)/oggSampleRate*1000) * time.Millisecond
		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}
	}
}
