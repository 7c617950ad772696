package transfer

import (
	"fmt"
	"strings"
	"time"
)

// TransferStats aggregates the lifecycle counters for a single transfer.
// Extended from the teacher's fixed-chunk-count version with the
// window/RTT/retry fields the flow controller and retransmit scanner
// produce (spec §4.4, §5) — chunk size changes over the life of a
// transfer here, so byte counters replace chunk counters as the source
// of truth for progress.
type TransferStats struct {
	Filename          string
	FileSize          int64
	BytesSent         int64
	BytesReceived     int64
	StartTime         time.Time
	EndTime           time.Time
	Duration          time.Duration
	AverageSpeed      float64 // MB/s
	PeerAddress       string
	TransferDirection string // "sent" or "received"
	Status            string // "in_progress", "completed", "failed", "rejected"
	ChunksRetried     int
	TotalRetries      int

	LastRTT    time.Duration
	AverageRTT time.Duration
	WindowSize int
	ChunkSize  int
}

// NewTransferStats creates a new transfer stats instance.
func NewTransferStats(filename string, fileSize int64, peerAddress, direction string) *TransferStats {
	return &TransferStats{
		Filename:          filename,
		FileSize:          fileSize,
		PeerAddress:       peerAddress,
		TransferDirection: direction,
		StartTime:         time.Now(),
		Status:            "in_progress",
	}
}

// MarkCompleted marks the transfer as completed and calculates final stats.
func (ts *TransferStats) MarkCompleted() {
	ts.EndTime = time.Now()
	ts.Duration = ts.EndTime.Sub(ts.StartTime)
	ts.Status = "completed"

	if ts.Duration.Seconds() > 0 {
		ts.AverageSpeed = float64(ts.FileSize) / ts.Duration.Seconds() / (1024 * 1024)
	}
}

// MarkFailed marks the transfer as failed.
func (ts *TransferStats) MarkFailed(reason string) {
	ts.EndTime = time.Now()
	ts.Duration = ts.EndTime.Sub(ts.StartTime)
	ts.Status = "failed"
}

// MarkRejected marks the transfer as rejected by the peer.
func (ts *TransferStats) MarkRejected(reason string) {
	ts.EndTime = time.Now()
	ts.Duration = ts.EndTime.Sub(ts.StartTime)
	ts.Status = "rejected"
}

// AddBytesSent increments the sent-byte counter by the size of one frame payload.
func (ts *TransferStats) AddBytesSent(n int64) {
	ts.BytesSent += n
}

// AddBytesReceived increments the received-byte counter by the size of one frame payload.
func (ts *TransferStats) AddBytesReceived(n int64) {
	ts.BytesReceived += n
}

// AddRetry records a retransmission of a chunk.
func (ts *TransferStats) AddRetry() {
	ts.ChunksRetried++
	ts.TotalRetries++
}

// UpdateRTT records the latest RTT sample and updates the running average
// as an exponentially weighted mean (7/8 previous average, 1/8 new sample).
func (ts *TransferStats) UpdateRTT(sample time.Duration) {
	ts.LastRTT = sample
	if ts.AverageRTT == 0 {
		ts.AverageRTT = sample
		return
	}
	ts.AverageRTT = time.Duration(0.875*float64(ts.AverageRTT) + 0.125*float64(sample))
}

// GetProgressPercentage returns the direction-appropriate completion percentage.
func (ts *TransferStats) GetProgressPercentage() float64 {
	if ts.FileSize == 0 {
		return 0
	}
	transferred := ts.BytesSent
	if ts.TransferDirection == "received" {
		transferred = ts.BytesReceived
	}
	pct := float64(transferred) / float64(ts.FileSize) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// PrintSummary prints a detailed summary of the transfer.
func (ts *TransferStats) PrintSummary() {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Printf("📊 TRANSFER SUMMARY - %s\n", ts.getDirectionEmoji())
	fmt.Println(strings.Repeat("=", 60))

	fmt.Printf("📁 File:           %s\n", ts.Filename)
	fmt.Printf("📦 Size:           %.2f MB\n", float64(ts.FileSize)/(1024*1024))
	if ts.TransferDirection == "sent" {
		fmt.Printf("🔢 Sent:           %.2f MB\n", float64(ts.BytesSent)/(1024*1024))
	} else {
		fmt.Printf("🔢 Received:       %.2f MB\n", float64(ts.BytesReceived)/(1024*1024))
	}

	fmt.Printf("🌐 Peer:           %s\n", ts.PeerAddress)
	fmt.Printf("⏱️  Duration:       %.2f seconds\n", ts.Duration.Seconds())
	fmt.Printf("🚀 Average Speed:  %.2f MB/s\n", ts.AverageSpeed)
	if ts.AverageRTT > 0 {
		fmt.Printf("📶 Avg RTT:        %v (window %d, chunk %dKB)\n", ts.AverageRTT.Round(time.Millisecond), ts.WindowSize, ts.ChunkSize/1024)
	}
	fmt.Printf("✅ Status:         %s\n", ts.getStatusEmoji()+" "+ts.Status)

	if ts.ChunksRetried > 0 {
		fmt.Printf("🔄 Retries:        %d chunks retried (%d total attempts)\n", ts.ChunksRetried, ts.TotalRetries)
	}

	fmt.Println(strings.Repeat("=", 60))
}

// getDirectionEmoji returns appropriate emoji for transfer direction.
func (ts *TransferStats) getDirectionEmoji() string {
	if ts.TransferDirection == "sent" {
		return "📤 SENT"
	}
	return "📥 RECEIVED"
}

// getStatusEmoji returns appropriate emoji for status.
func (ts *TransferStats) getStatusEmoji() string {
	switch ts.Status {
	case "completed":
		return "✅"
	case "failed":
		return "❌"
	case "rejected":
		return "🚫"
	default:
		return "⏳"
	}
}

// PrintProgress prints current progress with stats as one plain line,
// without ProgressTracker's ANSI bar.
func (ts *TransferStats) PrintProgress() {
	progress := ts.GetProgressPercentage()
	elapsed := time.Since(ts.StartTime)

	transferred := ts.BytesSent
	if ts.TransferDirection == "received" {
		transferred = ts.BytesReceived
	}
	speed := float64(transferred) / elapsed.Seconds() / (1024 * 1024)

	fmt.Printf("\r📊 Progress: %.1f%% (%.2f/%.2f MB) | 🚀 %.2f MB/s | ⏱️ %.1fs",
		progress, float64(transferred)/(1024*1024), float64(ts.FileSize)/(1024*1024), speed, elapsed.Seconds())
}
