// Package media manages the local capture stream of a call: acquisition,
// release, mute and video toggles, and screen-share track substitution.
package media

import (
	"slices"
	"sync"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is one local capture track.
//
// Stop is a local release and does not fire OnEnded handlers; OnEnded fires
// only when the source ends the track by itself (device unplugged, user
// pressed "stop sharing").
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	OnEnabledChange(fn func(enabled bool))
	OnEnded(fn func())
	Stop()
}

// BaseTrack implements the bookkeeping part of Track. Device-backed tracks
// embed it and call End when their source finishes.
type BaseTrack struct {
	id   string
	kind Kind
	stop func()

	mu       sync.Mutex
	enabled  bool
	stopped  bool
	ended    bool
	onEnded  []func()
	onToggle []func(bool)
}

// NewBaseTrack returns an enabled track. stop, if non-nil, is called exactly
// once when the track is stopped or ends.
func NewBaseTrack(id string, kind Kind, stop func()) *BaseTrack {
	return &BaseTrack{id: id, kind: kind, stop: stop, enabled: true}
}

func (t *BaseTrack) ID() string { return t.id }
func (t *BaseTrack) Kind() Kind { return t.kind }

func (t *BaseTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled flips the enabled flag and notifies observers on change.
func (t *BaseTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	if t.enabled == enabled {
		t.mu.Unlock()
		return
	}
	t.enabled = enabled
	observers := slices.Clone(t.onToggle)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(enabled)
	}
}

func (t *BaseTrack) OnEnabledChange(fn func(bool)) {
	t.mu.Lock()
	t.onToggle = append(t.onToggle, fn)
	t.mu.Unlock()
}

// OnEnded registers fn for the natural end of the track. If the track has
// already ended, fn runs immediately.
func (t *BaseTrack) OnEnded(fn func()) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		fn()
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// Stop releases the track. Idempotent.
func (t *BaseTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	if t.stop != nil {
		t.stop()
	}
}

// Stopped reports whether Stop or End has run.
func (t *BaseTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// End marks the track as finished by its source, releases it and runs the
// OnEnded handlers. Ending a track that was already stopped locally is a no-op.
func (t *BaseTrack) End() {
	t.mu.Lock()
	if t.stopped || t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.stopped = true
	handlers := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	if t.stop != nil {
		t.stop()
	}
	for _, fn := range handlers {
		fn()
	}
}
