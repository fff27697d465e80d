package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/p2pcall/internal/util"
)

// Constraints selects which devices to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Source opens capture devices. UserMedia opens camera and/or microphone,
// DisplayMedia opens a screen capture. On failure a Source may return a
// partially acquired stream together with the error; the Manager stops it.
type Source interface {
	UserMedia(ctx context.Context, c Constraints) (*Stream, error)
	DisplayMedia(ctx context.Context) (*Stream, error)
}

// VideoSender swaps the outgoing video track of a peer connection.
type VideoSender interface {
	ReplaceVideoTrack(t Track) error
}

// Manager owns the local media of a single call. It is created per call and
// released when the call ends, regardless of which path ended it. After
// Release every operation fails with ErrReleased, and a stream that finishes
// acquiring after Release is stopped instead of being kept.
type Manager struct {
	src Source

	mu       sync.Mutex
	stream   *Stream
	released bool

	// Screen share state. camera is the video track that was on the sender
	// before the swap.
	screen *Stream
	camera Track
	sender VideoSender
}

// NewManager returns a Manager that acquires from src.
func NewManager(src Source) *Manager {
	return &Manager{src: src}
}

// Acquire opens the requested devices. Failures are reported as *Error.
func (m *Manager) Acquire(ctx context.Context, audio, video bool) (*Stream, error) {
	if !audio && !video {
		return nil, NewError(UnsupportedContext, ErrNoConstraints)
	}

	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil, ErrReleased
	}
	if m.stream != nil {
		s := m.stream
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	stream, err := m.src.UserMedia(ctx, Constraints{Audio: audio, Video: video})
	if err != nil {
		stream.Stop()
		return nil, classify(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		util.LogDebug("media: stream %s resolved after release, stopping it", stream.ID())
		stream.Stop()
		return nil, ErrReleased
	}
	m.stream = stream
	return stream, nil
}

// Stream returns the acquired stream, or nil.
func (m *Manager) Stream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// Release stops every track, including an active screen share. Idempotent.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	stream, screen := m.stream, m.screen
	m.stream, m.screen, m.camera, m.sender = nil, nil, nil, nil
	m.mu.Unlock()

	screen.Stop()
	stream.Stop()
}

// Released reports whether Release has run.
func (m *Manager) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// ToggleAudio flips the enabled flag of the audio tracks without
// reacquiring. Returns the new enabled state.
func (m *Manager) ToggleAudio() (bool, error) { return m.toggle(KindAudio) }

// ToggleVideo flips the enabled flag of the camera tracks without
// reacquiring. Returns the new enabled state.
func (m *Manager) ToggleVideo() (bool, error) { return m.toggle(KindVideo) }

func (m *Manager) toggle(kind Kind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return false, ErrReleased
	}
	if m.stream == nil {
		return false, ErrNoStream
	}
	tracks := m.stream.byKind(kind)
	if len(tracks) == 0 {
		return false, fmt.Errorf("%w: %s", ErrNoTrack, kind)
	}

	enabled := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	return enabled, nil
}

// ShareScreen captures the screen and puts its video track on sender in
// place of the camera. When the screen track ends on its own the camera
// track is restored automatically.
func (m *Manager) ShareScreen(ctx context.Context, sender VideoSender) error {
	m.mu.Lock()
	switch {
	case m.released:
		m.mu.Unlock()
		return ErrReleased
	case m.stream == nil:
		m.mu.Unlock()
		return ErrNoStream
	case m.screen != nil:
		m.mu.Unlock()
		return ErrAlreadySharing
	}
	cameras := m.stream.VideoTracks()
	m.mu.Unlock()

	if len(cameras) == 0 {
		return fmt.Errorf("%w: %s", ErrNoTrack, KindVideo)
	}

	screen, err := m.src.DisplayMedia(ctx)
	if err != nil {
		screen.Stop()
		return classify(err)
	}
	screenTracks := screen.VideoTracks()
	if len(screenTracks) == 0 {
		screen.Stop()
		return NewError(DeviceUnavailable, fmt.Errorf("%w: display capture", ErrNoTrack))
	}
	screenTrack := screenTracks[0]

	m.mu.Lock()
	if m.released || m.screen != nil {
		released := m.released
		m.mu.Unlock()
		screen.Stop()
		if released {
			return ErrReleased
		}
		return ErrAlreadySharing
	}
	if err := sender.ReplaceVideoTrack(screenTrack); err != nil {
		m.mu.Unlock()
		screen.Stop()
		return fmt.Errorf("swap to screen track: %w", err)
	}
	m.screen = screen
	m.camera = cameras[0]
	m.sender = sender
	m.mu.Unlock()

	util.LogInfo("media: screen share started (%s)", screenTrack.ID())
	screenTrack.OnEnded(func() {
		if err := m.revert(screen); err == nil {
			util.LogInfo("media: screen share ended by source, camera restored")
		}
	})
	return nil
}

// StopScreenShare restores the camera track and stops the screen capture.
func (m *Manager) StopScreenShare() error {
	m.mu.Lock()
	screen := m.screen
	m.mu.Unlock()
	if screen == nil {
		return ErrNotSharing
	}
	return m.revert(screen)
}

// Sharing reports whether a screen share is active.
func (m *Manager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

// revert undoes the share identified by screen. A stale screen (already
// reverted, or replaced) returns ErrNotSharing.
func (m *Manager) revert(screen *Stream) error {
	m.mu.Lock()
	if m.screen != screen {
		m.mu.Unlock()
		return ErrNotSharing
	}
	camera, sender := m.camera, m.sender
	m.screen, m.camera, m.sender = nil, nil, nil
	m.mu.Unlock()

	screen.Stop()
	if err := sender.ReplaceVideoTrack(camera); err != nil {
		util.LogWarning("media: restore camera track: %v", err)
		return fmt.Errorf("restore camera track: %w", err)
	}
	return nil
}
