// Package progress tracks live per-resource download progress.
package progress

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Phase is the lifecycle stage of one download attempt.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseInProgress Phase = "in_progress"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

// Terminal reports whether no further updates are expected for the attempt.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Snapshot is the progress of one resource at a point in time.
type Snapshot struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Phase   Phase  `json:"phase"`
	Attempt int    `json:"attempt"`
	// Percent is nil while the total size is unknown.
	Percent      *float64  `json:"percent,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
	TotalBytes   int64     `json:"total_bytes"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Percent returns written/total*100 rounded to two decimals, or nil when total is not positive.
func Percent(written, total int64) *float64 {
	if total <= 0 {
		return nil
	}

	if written > total {
		written = total
	}

	p, _ := strconv.ParseFloat(strconv.FormatFloat(float64(written)*100/float64(total), 'f', 2, 64), 64)

	return &p
}

// PercentString renders the percent with two decimals, or "" when indeterminate.
func (s Snapshot) PercentString() string {
	if s.Percent == nil {
		return ""
	}

	return strconv.FormatFloat(*s.Percent, 'f', 2, 64) + "%"
}

// Display renders the snapshot as a human readable status line.
func (s Snapshot) Display() string {
	switch s.Phase {
	case PhaseQueued:
		return fmt.Sprintf("Queued %s", s.ID)
	case PhaseInProgress:
		if s.Percent != nil {
			return fmt.Sprintf("Downloading %s: %s", s.ID, s.PercentString())
		}

		return fmt.Sprintf("Downloading %s: %s", s.ID, humanize.Bytes(uint64(s.BytesWritten)))
	case PhaseSucceeded:
		return fmt.Sprintf("%s downloaded successfully", s.ID)
	case PhaseFailed:
		return fmt.Sprintf("Error downloading %s: %s", s.ID, s.Error)
	default:
		return s.ID
	}
}

// Store is a concurrency-safe map of resource identifier to its latest snapshot.
// Entries are never evicted.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewStore() *Store {
	return &Store{snapshots: make(map[string]Snapshot)}
}

// Set overwrites the snapshot for s.ID.
func (st *Store) Set(s Snapshot) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}

	st.mu.Lock()
	st.snapshots[s.ID] = s
	st.mu.Unlock()
}

// Get returns a copy of the snapshot for id.
func (st *Store) Get(id string) (Snapshot, bool) {
	st.mu.RLock()
	s, ok := st.snapshots[id]
	st.mu.RUnlock()

	return s, ok
}

// All returns copies of every snapshot ordered by identifier.
func (st *Store) All() []Snapshot {
	st.mu.RLock()

	out := make([]Snapshot, 0, len(st.snapshots))
	for _, s := range st.snapshots {
		out = append(out, s)
	}

	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	return len(st.snapshots)
}
