// Package progress renders a terminal progress bar for an evaluation batch.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Manager tracks condition progress and drives the bar.
type Manager struct {
	enabled   bool
	total     int
	completed int
	passed    int
	failed    int
	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	startTime time.Time
}

// NewManager creates a progress manager writing to stderr.
func NewManager(total int, enabled bool) *Manager {
	return NewManagerWriter(total, enabled, os.Stderr)
}

// NewManagerWriter creates a progress manager writing to w.
func NewManagerWriter(total int, enabled bool, w io.Writer) *Manager {
	m := &Manager{
		enabled:   enabled,
		total:     total,
		startTime: time.Now(),
	}
	if enabled {
		m.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Evaluating"),
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("conditions"),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "█",
				SaucerHead:    "█",
				SaucerPadding: "░",
				BarStart:      "|",
				BarEnd:        "|",
			}),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionSetElapsedTime(true),
			progressbar.OptionOnCompletion(func() {
				_, _ = fmt.Fprintln(w)
			}),
		)
	}
	return m
}

// StartCondition marks condition id, at 1-based position index, as running.
func (m *Manager) StartCondition(index, total, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.bar.Describe(fmt.Sprintf("条件 %d (%d/%d)", id, index, total))
}

// CompleteCondition records the outcome of condition id.
func (m *Manager) CompleteCondition(id int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completed++
	if err == nil {
		m.passed++
	} else {
		m.failed++
	}
	if !m.enabled {
		return
	}
	_ = m.bar.Add(1)
}

// Finish completes the bar.
func (m *Manager) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	_ = m.bar.Finish()
}

// Counts returns completed, passed and failed totals.
func (m *Manager) Counts() (completed, passed, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed, m.passed, m.failed
}

// Elapsed returns time since the manager was created.
func (m *Manager) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// IsEnabled returns whether progress display is enabled
func (m *Manager) IsEnabled() bool {
	return m.enabled
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
