package resilience

import (
	"sync"
	"time"
)

// ErrorStats summarizes the buffered error records over the analytics
// window
type ErrorStats struct {
	TotalErrors    uint64                `json:"total_errors"`
	Buffered       int                   `json:"buffered"`
	WindowSeconds  int                   `json:"window_seconds"`
	ErrorsInWindow int                   `json:"errors_in_window"`
	RatePerMinute  float64               `json:"rate_per_minute"`
	ByCategory     map[ErrorCategory]int `json:"by_category"`
	BySeverity     map[string]int        `json:"by_severity"`
	MostCommon     ErrorCategory         `json:"most_common_category,omitempty"`
	Recovered      int                   `json:"recovered_in_window"`
}

// errorHistory is a fixed-size ring of the most recent error records.
// Old records are overwritten, never freed, so memory stays bounded no
// matter how long the process runs.
type errorHistory struct {
	mu       sync.Mutex
	records  []ErrorRecord
	seqs     []uint64
	capacity int
	total    uint64
}

func newErrorHistory(capacity int) *errorHistory {
	if capacity <= 0 {
		capacity = 512
	}
	return &errorHistory{
		records:  make([]ErrorRecord, capacity),
		seqs:     make([]uint64, capacity),
		capacity: capacity,
	}
}

// Add stores a record and returns its sequence number
func (h *errorHistory) Add(record ErrorRecord) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	seq := h.total
	idx := int(seq % uint64(h.capacity))
	h.records[idx] = record
	h.seqs[idx] = seq
	h.total++
	return seq
}

// MarkRecovered flags a stored record as recovered if it is still in
// the buffer
func (h *errorHistory) MarkRecovered(seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := int(seq % uint64(h.capacity))
	if h.total > 0 && h.seqs[idx] == seq && seq < h.total {
		h.records[idx].Recovered = true
	}
}

// Snapshot returns the buffered records ordered oldest first
func (h *errorHistory) Snapshot() []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.sizeLocked()
	out := make([]ErrorRecord, 0, size)
	start := h.total - uint64(size)
	for i := uint64(0); i < uint64(size); i++ {
		out = append(out, h.records[(start+i)%uint64(h.capacity)])
	}
	return out
}

// Recent returns up to limit of the newest records, newest first
func (h *errorHistory) Recent(limit int) []ErrorRecord {
	snapshot := h.Snapshot()
	if limit <= 0 || limit > len(snapshot) {
		limit = len(snapshot)
	}

	out := make([]ErrorRecord, 0, limit)
	for i := len(snapshot) - 1; i >= len(snapshot)-limit; i-- {
		out = append(out, snapshot[i])
	}
	return out
}

// Stats computes aggregate counts over records newer than the window
func (h *errorHistory) Stats(window time.Duration) ErrorStats {
	h.mu.Lock()
	total := h.total
	size := h.sizeLocked()
	records := make([]ErrorRecord, 0, size)
	start := h.total - uint64(size)
	for i := uint64(0); i < uint64(size); i++ {
		records = append(records, h.records[(start+i)%uint64(h.capacity)])
	}
	h.mu.Unlock()

	stats := ErrorStats{
		TotalErrors:   total,
		Buffered:      size,
		WindowSeconds: int(window.Seconds()),
		ByCategory:    make(map[ErrorCategory]int),
		BySeverity:    make(map[string]int),
	}

	cutoff := time.Now().Add(-window)
	for _, record := range records {
		if record.Timestamp.Before(cutoff) {
			continue
		}
		stats.ErrorsInWindow++
		stats.ByCategory[record.Category]++
		stats.BySeverity[record.Severity.String()]++
		if record.Recovered {
			stats.Recovered++
		}
	}

	if window > 0 {
		stats.RatePerMinute = float64(stats.ErrorsInWindow) / window.Minutes()
	}

	best := 0
	for category, count := range stats.ByCategory {
		if count > best {
			best = count
			stats.MostCommon = category
		}
	}
	return stats
}

func (h *errorHistory) sizeLocked() int {
	if h.total < uint64(h.capacity) {
		return int(h.total)
	}
	return h.capacity
}
