package transfer

import (
	"fmt"
	"strings"
	"time"
)

// ProgressStyle defines different progress bar styles.
type ProgressStyle int

const (
	ProgressStyleSimple ProgressStyle = iota
	ProgressStyleDetailed
	ProgressStyleMinimal
)

// ProgressColors holds the ANSI escape codes used for console output.
type ProgressColors struct {
	Reset   string
	Red     string
	Green   string
	Yellow  string
	Blue    string
	Magenta string
	Cyan    string
	Gray    string
	Bold    string
}

// Colors are the terminal colors used throughout the console reporter.
var Colors = ProgressColors{
	Reset:   "\033[0m",
	Red:     "\033[31m",
	Green:   "\033[32m",
	Yellow:  "\033[33m",
	Blue:    "\033[34m",
	Magenta: "\033[35m",
	Cyan:    "\033[36m",
	Gray:    "\033[90m",
	Bold:    "\033[1m",
}

// ProgressTracker renders real-time progress for a transfer. Unlike the
// teacher's fixed-chunk-count tracker, progress here is byte-based: the
// sender's chunk size changes over the life of a transfer (spec §4.4), so
// "chunks completed / total chunks" is not a stable quantity.
type ProgressTracker struct {
	filename       string
	totalSize      int64
	direction      string // "sent" or "received"
	startTime      time.Time
	style          ProgressStyle
	quiet          bool
	lastUpdate     time.Time
	updateInterval time.Duration
	spinIndex      int
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(filename string, totalSize int64, direction string, style ProgressStyle) *ProgressTracker {
	return &ProgressTracker{
		filename:       filename,
		totalSize:      totalSize,
		direction:      direction,
		startTime:      time.Now(),
		style:          style,
		updateInterval: 50 * time.Millisecond,
	}
}

// SetQuiet disables progress output.
func (pt *ProgressTracker) SetQuiet(quiet bool) {
	pt.quiet = quiet
}

// PrintProgress displays current progress given bytes transferred so far.
func (pt *ProgressTracker) PrintProgress(bytesTransferred int64, windowSize int, rttMs float64) {
	if pt.quiet {
		return
	}

	now := time.Now()
	if now.Sub(pt.lastUpdate) < pt.updateInterval && bytesTransferred < pt.totalSize {
		return
	}
	pt.lastUpdate = now

	var percentage float64
	if pt.totalSize > 0 {
		percentage = float64(bytesTransferred) / float64(pt.totalSize) * 100
	}
	elapsed := now.Sub(pt.startTime)

	var speed float64
	if elapsed > 0 {
		speed = float64(bytesTransferred) / elapsed.Seconds() / (1024 * 1024)
	}

	switch pt.style {
	case ProgressStyleDetailed:
		pt.printDetailedProgress(bytesTransferred, percentage, speed, windowSize, rttMs)
	case ProgressStyleMinimal:
		pt.printMinimalProgress(percentage)
	default:
		pt.printSimpleProgress(percentage, speed, windowSize, rttMs)
	}
}

func (pt *ProgressTracker) printSimpleProgress(percentage, speed float64, windowSize int, rttMs float64) {
	elapsed := time.Since(pt.startTime)

	speedColor := Colors.Green
	if speed < 1 {
		speedColor = Colors.Yellow
	} else if speed > 20 {
		speedColor = Colors.Cyan
	}

	width := 30
	filled := int(percentage / 100 * float64(width))
	if filled > width {
		filled = width
	}
	var bar strings.Builder
	for i := 0; i < width; i++ {
		switch {
		case i < filled:
			bar.WriteString("*")
		case i == filled:
			spinChars := []string{"|", "/", "-", "\\"}
			bar.WriteString(spinChars[pt.spinIndex])
			pt.spinIndex = (pt.spinIndex + 1) % len(spinChars)
		default:
			bar.WriteString(".")
		}
	}

	timeStr := fmt.Sprintf("%02d:%02d", int(elapsed.Minutes()), int(elapsed.Seconds())%60)
	direction := "SEND"
	if pt.direction == "received" {
		direction = "RECV"
	}

	fmt.Printf("\r%s[%s%s%s] %s %.1f%% | %s%.2fMB/s | win=%d rtt=%.0fms | %s%s%s",
		Colors.Bold, Colors.Cyan, bar.String(), Colors.Reset,
		direction, percentage,
		speedColor, speed,
		windowSize, rttMs,
		Colors.Yellow, timeStr, Colors.Reset)
}

func (pt *ProgressTracker) printDetailedProgress(bytesTransferred int64, percentage, speed float64, windowSize int, rttMs float64) {
	width := 60
	filled := int(percentage / 100 * float64(width))
	bar := strings.Repeat("━", filled) + strings.Repeat("─", width-filled)

	elapsed := time.Since(pt.startTime)

	fmt.Printf("\n%s%s Transfer Progress - %s%s\n", Colors.Bold, Colors.Cyan, pt.filename, Colors.Reset)
	fmt.Printf("%s\n", strings.Repeat("=", 70))
	fmt.Printf("  File:      %s%s\n", Colors.Yellow, pt.filename)
	fmt.Printf("  Size:      %s%.2f MB%s\n", Colors.Yellow, float64(pt.totalSize)/(1024*1024), Colors.Reset)
	fmt.Printf("  Progress:  [%s] %s%.1f%%%s\n", bar, Colors.Bold, percentage, Colors.Reset)
	fmt.Printf("  Speed:     %s%.2f MB/s%s\n", Colors.Green, speed, Colors.Reset)
	fmt.Printf("  Window:    %d chunks, RTT %.0f ms\n", windowSize, rttMs)
	fmt.Printf("  Duration:  %s%v%s\n", Colors.Blue, elapsed.Round(time.Second), Colors.Reset)
	fmt.Printf("%s\n", strings.Repeat("=", 70))
}

func (pt *ProgressTracker) printMinimalProgress(percentage float64) {
	width := 20
	filled := int(percentage / 100 * float64(width))
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)

	fmt.Printf("\r%s%s %s %s%.1f%%%s", Colors.Bold, pt.filename, bar, Colors.Green, percentage, Colors.Reset)
}

// PrintSummary displays the final transfer summary.
func (pt *ProgressTracker) PrintSummary(status string, errorMessage string) {
	if pt.quiet {
		return
	}

	elapsed := time.Since(pt.startTime)
	direction := "SENT"
	if pt.direction == "received" {
		direction = "RECEIVED"
	}

	statusColor := Colors.Green
	if status == "failed" || status == "rejected" {
		statusColor = Colors.Red
	}

	fmt.Printf("\n\n%s%s%s\n", Colors.Bold, strings.Repeat("=", 60), Colors.Reset)
	fmt.Printf("%sTRANSFER SUMMARY - %s%s\n", Colors.Bold, direction, Colors.Reset)
	fmt.Printf("%s%s%s\n", Colors.Bold, strings.Repeat("=", 60), Colors.Reset)
	fmt.Printf("File:      %s%s%s\n", Colors.Yellow, pt.filename, Colors.Reset)
	fmt.Printf("Size:      %s%.2f MB%s\n", Colors.Yellow, float64(pt.totalSize)/(1024*1024), Colors.Reset)
	fmt.Printf("Duration:  %s%v%s\n", Colors.Blue, elapsed.Round(time.Millisecond*100), Colors.Reset)
	if status == "completed" && elapsed.Seconds() > 0 {
		speed := float64(pt.totalSize) / elapsed.Seconds() / (1024 * 1024)
		fmt.Printf("Speed:     %s%.2f MB/s%s\n", Colors.Green, speed, Colors.Reset)
	}
	fmt.Printf("Status:    %s%s%s\n", statusColor, status, Colors.Reset)
	fmt.Printf("%s%s%s\n", Colors.Bold, strings.Repeat("=", 60), Colors.Reset)

	if errorMessage != "" {
		fmt.Printf("Error: %s%s%s\n", Colors.Red, errorMessage, Colors.Reset)
	}
}
