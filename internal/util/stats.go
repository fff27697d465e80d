package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling and media counter.
var Stats = &stats{}

type stats struct {
	SignalsSent    atomic.Int64 // envelopes written to the relay
	SignalsRecv    atomic.Int64 // envelopes read from the relay
	SignalsDropped atomic.Int64 // envelopes refused before transmission
	CallsStarted   atomic.Int64 // sessions created (outgoing + incoming)
	CallsEnded     atomic.Int64 // sessions that reached Ended or Failed
	MediaBytesRecv atomic.Int64 // RTP payload bytes read from remote tracks
}

func (s *stats) AddSent()       { s.SignalsSent.Add(1) }
func (s *stats) AddRecv()       { s.SignalsRecv.Add(1) }
func (s *stats) AddDropped()    { s.SignalsDropped.Add(1) }
func (s *stats) AddCall()       { s.CallsStarted.Add(1) }
func (s *stats) EndCall()       { s.CallsEnded.Add(1) }
func (s *stats) AddMedia(n int) { s.MediaBytesRecv.Add(int64(n)) }

func (s *stats) ActiveCalls() int64 {
	return s.CallsStarted.Load() - s.CallsEnded.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling and media
// statistics every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevDropped, prevMedia int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.SignalsSent.Load()
				recv := Stats.SignalsRecv.Load()
				dropped := Stats.SignalsDropped.Load()
				media := Stats.MediaBytesRecv.Load()

				mediaRate := float64(media-prevMedia) / interval.Seconds()

				if sent != prevSent || recv != prevRecv || dropped != prevDropped || mediaRate > 10 {
					pterm.DefaultLogger.Info(formatStats(sent-prevSent, recv-prevRecv, dropped-prevDropped, mediaRate))
				}

				prevSent = sent
				prevRecv = recv
				prevDropped = dropped
				prevMedia = media

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the interval deltas for display in the logger.
func formatStats(sent, recv, dropped int64, mediaRate float64) string {
	return fmt.Sprintf("Signals: %3d↑ %3d↓ %2d✗ | Media: %s/s | Calls: %d active",
		sent,
		recv,
		dropped,
		formatBytes(mediaRate),
		Stats.ActiveCalls(),
	)
}
