package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/p2pcall/internal/call"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

// console is the terminal UI surface of the coordinator.
type console struct {
	coord *call.Coordinator
	media call.MediaOptions

	incoming chan call.Notification
	ended    chan call.Notification
}

func newConsole(coord *call.Coordinator, video bool) *console {
	return &console{
		coord:    coord,
		media:    call.MediaOptions{Audio: true, Video: video},
		incoming: make(chan call.Notification, 8),
		ended:    make(chan call.Notification, 8),
	}
}

// watch reports notifications until the stream closes.
func (c *console) watch(notes <-chan call.Notification) {
	for note := range notes {
		id := util.ShortID(note.CallID)
		switch note.Kind {
		case call.IncomingCall:
			util.LogInfo("call %s: %s is calling (%s)", id, note.Peer, note.Mode)
			offer(c.incoming, note)
		case call.StateChanged:
			util.LogDebug("call %s: %s → %s", id, note.Prev, note.State)
		case call.RemoteTrack:
			util.LogSuccess("call %s: receiving %s from %s", id, note.Track.Kind, note.Peer)
		case call.CallEnded:
			if note.State == call.Failed {
				util.LogWarning("call %s with %s failed: %s", id, note.Peer, note.Message)
			} else {
				util.LogInfo("call %s with %s ended: %s", id, note.Peer, note.Message)
			}
			offer(c.ended, note)
		}
	}
}

// offer delivers note unless ch is full; the menus re-read the coordinator
// state anyway.
func offer(ch chan call.Notification, note call.Notification) {
	select {
	case ch <- note:
	default:
	}
}

// dial calls target and returns once that call ended.
func (c *console) dial(ctx context.Context, target string) error {
	id, err := c.coord.Initiate(ctx, target, c.media)
	if err != nil {
		return err
	}
	for {
		select {
		case note := <-c.ended:
			if note.CallID != id {
				continue
			}
			if note.State == call.Failed {
				return fmt.Errorf("call failed: %s", note.Message)
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// answer accepts every incoming call until ctx is cancelled.
func (c *console) answer(ctx context.Context) error {
	util.LogInfo("waiting for calls, every call will be answered")
	for {
		select {
		case note := <-c.incoming:
			if err := c.coord.AcceptIncoming(ctx, note.CallID); err != nil {
				util.LogWarning("could not answer %s: %v", note.Peer, err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

const (
	optCall    = "Call someone"
	optWait    = "Wait for an incoming call"
	optQuit    = "Quit"
	optHangup  = "Hang up"
	optMute    = "Mute microphone"
	optUnmute  = "Unmute microphone"
	optCamOff  = "Turn camera off"
	optCamOn   = "Turn camera on"
	optShare   = "Share screen"
	optUnshare = "Stop sharing screen"
	optRefresh = "Refresh"
)

func (c *console) interactive(ctx context.Context) error {
	for ctx.Err() == nil {
		info, active := c.coord.Active(ctx)
		var quit bool
		switch {
		case !active:
			quit = c.idleMenu(ctx)
		case info.State == call.Ringing:
			c.ringing(ctx, info)
		default:
			c.callMenu(ctx, info)
		}
		if quit {
			return nil
		}
	}
	return nil
}

func (c *console) idleMenu(ctx context.Context) bool {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{optCall, optWait, optQuit}).
		WithDefaultText(fmt.Sprintf("Signed in as %s", c.coord.Identity())).
		Show()
	pterm.Println()

	switch choice {
	case optCall:
		target, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Identity to call").
			Show()
		pterm.Println()
		if _, err := c.coord.Initiate(ctx, strings.TrimSpace(target), c.media); err != nil {
			util.LogWarning("could not place call: %v", err)
		}
	case optWait:
		util.LogInfo("waiting for calls (Ctrl+C to quit)")
		select {
		case <-c.incoming:
		case <-ctx.Done():
		}
	case optQuit:
		return true
	}
	return false
}

func (c *console) ringing(ctx context.Context, info call.Info) {
	accept, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText(fmt.Sprintf("Answer %s call from %s?", info.Mode, info.Peer)).
		Show()
	pterm.Println()

	var err error
	if accept {
		err = c.coord.AcceptIncoming(ctx, info.ID)
	} else {
		err = c.coord.RejectIncoming(ctx, info.ID)
	}
	if err != nil {
		util.LogWarning("call %s: %v", util.ShortID(info.ID), err)
	}
}

func (c *console) callMenu(ctx context.Context, info call.Info) {
	options := []string{optHangup}
	if info.State == call.Connected {
		options = append(options, pick(info.AudioEnabled, optMute, optUnmute))
		if info.Mode == protocol.ModeVideo {
			options = append(options,
				pick(info.VideoEnabled, optCamOff, optCamOn),
				pick(info.Sharing, optUnshare, optShare))
		}
	}
	options = append(options, optRefresh)

	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText(fmt.Sprintf("%s call with %s: %s", info.Direction, info.Peer, info.State)).
		Show()
	pterm.Println()

	var err error
	switch choice {
	case optHangup:
		err = c.coord.Hangup(ctx)
	case optMute, optUnmute:
		var muted bool
		if muted, err = c.coord.ToggleMute(ctx); err == nil {
			util.LogInfo("microphone %s", pick(muted, "muted", "live"))
		}
	case optCamOff, optCamOn:
		var on bool
		if on, err = c.coord.ToggleVideo(ctx); err == nil {
			util.LogInfo("camera %s", pick(on, "on", "off"))
		}
	case optShare:
		err = c.coord.ShareScreen(ctx)
	case optUnshare:
		err = c.coord.StopScreenShare(ctx)
	}
	if err != nil && !errors.Is(err, call.ErrNoActiveCall) {
		util.LogWarning("%s: %v", strings.ToLower(choice), err)
	}
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}
