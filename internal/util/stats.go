package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/stream counter.
var Stats = &stats{}

type stats struct {
	OpenedStreams atomic.Int64 // cumulative count of streams opened since process start
	ClosedStreams atomic.Int64 // cumulative count of streams closed since process start
	BytesSent     atomic.Int64 // cumulative bytes written to the shared channel
	BytesRecv     atomic.Int64 // cumulative bytes read from the shared channel
	DroppedFrames atomic.Int64 // frames discarded as malformed or misaddressed
}

func (s *stats) AddStream()    { s.OpenedStreams.Add(1) }
func (s *stats) RemoveStream() { s.ClosedStreams.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddDropped()   { s.DroppedFrames.Add(1) }

// Live returns the number of streams currently open.
func (s *stats) Live() int64 {
	return s.OpenedStreams.Load() - s.ClosedStreams.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const statsInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 10 seconds when there was activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.OpenedStreams.Load()
				closed := Stats.ClosedStreams.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				secs := statsInterval.Seconds()
				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				up := opened - prevOpened
				down := closed - prevClosed

				if up > 0 || down > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, up, down, opened-closed))
				}

				prevSent = sent
				prevRecv = recv
				prevOpened = opened
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatRate renders a byte rate such as "1.5 KiB/s".
func formatRate(bytesPerSec float64) string {
	return humanize.IBytes(uint64(bytesPerSec)) + "/s"
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, up, down, live int64) string {
	return fmt.Sprintf("In: %10s | Out: %10s | Streams: %2d↑ %2d↓ (%d live)",
		formatRate(inS),
		formatRate(outS),
		up,
		down,
		live,
	)
}
