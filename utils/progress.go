package utils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
)

// ProgressTracker manages download progress display with real-time statistics
type ProgressTracker struct {
	bar       *pb.ProgressBar
	quiet     bool
	out       io.Writer
	startTime time.Time
	total     int64
	current   int64
	initial   int64
	filename  string
	mutex     sync.RWMutex

	// Statistics tracking
	lastUpdate   time.Time
	lastBytes    int64
	speedSamples []float64
	maxSamples   int
}

// DownloadSummary contains final download statistics
type DownloadSummary struct {
	TotalBytes   int64
	TotalTime    time.Duration
	AverageSpeed float64 // bytes per second
	PeakSpeed    float64 // bytes per second
	Filename     string
}

// NewProgressTracker creates a progress tracker. A total of zero or less means
// the size is unknown.
func NewProgressTracker(total int64, quiet bool) *ProgressTracker {
	now := time.Now()
	tracker := &ProgressTracker{
		quiet:        quiet,
		out:          os.Stderr,
		startTime:    now,
		total:        total,
		lastUpdate:   now,
		speedSamples: make([]float64, 0),
		maxSamples:   10,
	}

	if !quiet {
		tmpl := `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{rtime . "ETA %s"}}`
		bar := pb.New64(total).SetTemplateString(tmpl)
		bar.SetWriter(tracker.out)
		bar.Set(pb.Bytes, true)
		bar.Set(pb.SIBytesPrefix, true)
		bar.Set("prefix", "Downloading: ")
		tracker.bar = bar.Start()
	}

	return tracker
}

// Resume marks n bytes as already present, e.g. from a previous partial download
func (p *ProgressTracker) Resume(n int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.initial = n
	p.current = n
	p.lastBytes = n
	if p.bar != nil {
		p.bar.SetCurrent(n)
	}
}

// Write lets the tracker sit behind an io.TeeReader
func (p *ProgressTracker) Write(b []byte) (int, error) {
	p.mutex.RLock()
	current := p.current
	p.mutex.RUnlock()

	p.Update(current + int64(len(b)))
	return len(b), nil
}

// Update updates the progress bar with current progress and calculates real-time statistics
func (p *ProgressTracker) Update(current int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	p.current = current

	timeDiff := now.Sub(p.lastUpdate).Seconds()
	if timeDiff > 0.1 {
		bytesDiff := current - p.lastBytes
		p.speedSamples = append(p.speedSamples, float64(bytesDiff)/timeDiff)
		if len(p.speedSamples) > p.maxSamples {
			p.speedSamples = p.speedSamples[1:]
		}
		p.lastUpdate = now
		p.lastBytes = current
	}

	if p.bar != nil {
		p.bar.SetCurrent(current)
	}
}

// Finish completes the progress bar and returns download summary
func (p *ProgressTracker) Finish() *DownloadSummary {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	totalTime := time.Since(p.startTime)

	if p.bar != nil {
		p.bar.Finish()
	}

	transferred := p.current - p.initial
	var averageSpeed float64
	if totalTime > 0 {
		averageSpeed = float64(transferred) / totalTime.Seconds()
	}

	var peakSpeed float64
	for _, speed := range p.speedSamples {
		if speed > peakSpeed {
			peakSpeed = speed
		}
	}

	summary := &DownloadSummary{
		TotalBytes:   p.current,
		TotalTime:    totalTime,
		AverageSpeed: averageSpeed,
		PeakSpeed:    peakSpeed,
		Filename:     p.filename,
	}

	if !p.quiet {
		p.displaySummary(summary)
	}

	return summary
}

// Stop ends the progress bar without printing a summary, for failed downloads
func (p *ProgressTracker) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}

// displaySummary prints the download summary statistics
func (p *ProgressTracker) displaySummary(summary *DownloadSummary) {
	fmt.Fprintf(p.out, "\n")
	fmt.Fprintf(p.out, "Download completed successfully!\n")
	fmt.Fprintf(p.out, "Total size: %s\n", humanize.IBytes(uint64(summary.TotalBytes)))
	fmt.Fprintf(p.out, "Total time: %v\n", summary.TotalTime.Round(time.Millisecond))
	fmt.Fprintf(p.out, "Average speed: %s/s\n", humanize.IBytes(uint64(summary.AverageSpeed)))
	if summary.PeakSpeed > 0 {
		fmt.Fprintf(p.out, "Peak speed: %s/s\n", humanize.IBytes(uint64(summary.PeakSpeed)))
	}
	if summary.Filename != "" {
		fmt.Fprintf(p.out, "Saved to: %s\n", summary.Filename)
	}
}

// SetFilename sets the filename reported in the download summary
func (p *ProgressTracker) SetFilename(filename string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.filename = filename
}

// GetCurrentStats returns current download statistics
func (p *ProgressTracker) GetCurrentStats() (speed float64, eta time.Duration, percentage float64) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	var currentSpeed float64
	if len(p.speedSamples) > 0 {
		sampleCount := len(p.speedSamples)
		if sampleCount > 3 {
			sampleCount = 3
		}
		for i := len(p.speedSamples) - sampleCount; i < len(p.speedSamples); i++ {
			currentSpeed += p.speedSamples[i]
		}
		currentSpeed /= float64(sampleCount)
	}

	var etaTime time.Duration
	if currentSpeed > 0 && p.total > p.current {
		etaTime = time.Duration(float64(p.total-p.current)/currentSpeed) * time.Second
	}

	var percent float64
	if p.total > 0 {
		percent = float64(p.current) / float64(p.total) * 100
	}

	return currentSpeed, etaTime, percent
}

// IsQuiet returns whether the tracker is in quiet mode
func (p *ProgressTracker) IsQuiet() bool {
	return p.quiet
}
