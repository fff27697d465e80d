package media

// Stream is a group of local tracks acquired together.
type Stream struct {
	id     string
	tracks []Track
}

// NewStream groups tracks under id.
func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns every track of the stream.
func (s *Stream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

// AudioTracks returns the audio tracks of the stream.
func (s *Stream) AudioTracks() []Track { return s.byKind(KindAudio) }

// VideoTracks returns the video tracks of the stream.
func (s *Stream) VideoTracks() []Track { return s.byKind(KindVideo) }

func (s *Stream) byKind(kind Kind) []Track {
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track. Safe on a nil stream.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.tracks {
		t.Stop()
	}
}
