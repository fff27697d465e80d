//go:build !linux

package capture

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
)

var errUnsupported = errors.New("local capture requires linux drivers")

// Source reports every capture as unsupported on this platform. Calls can
// still be placed against it; they fail with UnsupportedContext.
type Source struct{}

func New() (*Source, error) { return &Source{}, nil }

// RegisterCodecs registers pion's default codecs.
func (s *Source) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (s *Source) UserMedia(context.Context, media.Constraints) (*media.Stream, error) {
	return nil, media.NewError(media.UnsupportedContext, errUnsupported)
}

func (s *Source) DisplayMedia(context.Context) (*media.Stream, error) {
	return nil, media.NewError(media.UnsupportedContext, errUnsupported)
}
