//go:build linux

package capture

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/util"
)

// Source captures through V4L2 (camera), malgo (microphone) and X11 (screen).
type Source struct {
	selector *mediadevices.CodecSelector
}

// New prepares the VP8 and Opus encoders used for every captured track.
func New() (*Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Source{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs registers the encoders of the source on me so negotiated
// codecs match what the tracks produce.
func (s *Source) RegisterCodecs(me *webrtc.MediaEngine) error {
	s.selector.Populate(me)
	return nil
}

// UserMedia opens the camera and/or microphone.
func (s *Source) UserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit malformed frames that break
			// the VP8 encoder; raw formats only.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, media.NewError(media.DeviceUnavailable, errors.New("no capture devices found"))
	}

	return s.open(ctx, "local", func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
}

// DisplayMedia opens a screen capture.
func (s *Source) DisplayMedia(ctx context.Context) (*media.Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	}
	return s.open(ctx, "screen", func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(constraints)
	})
}

type openResult struct {
	stream mediadevices.MediaStream
	err    error
}

// open runs a blocking mediadevices call while honoring ctx. A capture that
// completes after ctx is done is closed.
func (s *Source) open(ctx context.Context, prefix string, fn func() (mediadevices.MediaStream, error)) (*media.Stream, error) {
	done := make(chan openResult, 1)
	go func() {
		st, err := fn()
		done <- openResult{st, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classify(r.err)
		}
		return wrap(prefix, r.stream), nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func wrap(prefix string, st mediadevices.MediaStream) *media.Stream {
	var tracks []media.Track
	for _, mt := range st.GetTracks() {
		mt := mt
		t := &Track{local: mt}
		t.BaseTrack = media.NewBaseTrack(mt.ID(), kindOf(mt.Kind()), func() {
			if err := mt.Close(); err != nil {
				util.LogDebug("capture: close track %s: %v", mt.ID(), err)
			}
		})
		mt.OnEnded(func(err error) {
			if err != nil {
				util.LogDebug("capture: track %s ended: %v", mt.ID(), err)
			}
			t.End()
		})
		tracks = append(tracks, t)
	}
	return media.NewStream(prefix+"-"+uuid.NewString(), tracks...)
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
		return media.NewError(media.PermissionDenied, err)
	}
	return media.NewError(media.DeviceUnavailable, err)
}
