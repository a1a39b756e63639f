package recorder

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

var ErrUnsupportedCodec = errors.New("unsupported codec for recording")

// WriterFactory opens a writer for a track with the given codec. base is
// the file path without extension.
type WriterFactory func(base string, codec webrtc.RTPCodecParameters) (RTPWriter, error)

// FileWriter writes VP8 to IVF and Opus to Ogg.
func FileWriter(base string, codec webrtc.RTPCodecParameters) (RTPWriter, error) {
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		w, err := ivfwriter.New(base + ".ivf")
		if err != nil {
			return nil, err
		}
		return w, nil
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		w, err := oggwriter.New(base+".ogg", codec.ClockRate, channels)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec.MimeType)
}

// fileBase builds a file name that is safe whatever the peer put in its ids.
func fileBase(dir string, parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		clean = append(clean, strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			}
			return '_'
		}, p))
	}
	return filepath.Join(dir, strings.Join(clean, "-"))
}
