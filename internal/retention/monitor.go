package retention

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sandwichfarm/wotsync/internal/priority"
	"github.com/sandwichfarm/wotsync/internal/storage"
	"golang.org/x/sys/unix"
)

// Usage is one storage measurement
type Usage struct {
	Used      uint64    `json:"used"`
	Total     uint64    `json:"total"`
	Percent   float64   `json:"percent"`
	Pressure  bool      `json:"pressure"`
	ScannedAt time.Time `json:"scannedAt"`
}

// UsageSource measures used and total bytes
type UsageSource interface {
	Usage(ctx context.Context) (used, total uint64, err error)
}

// FilesystemSource reports the filesystem holding Path
type FilesystemSource struct {
	Path string
}

// Usage implements UsageSource
func (f FilesystemSource) Usage(ctx context.Context) (uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(f.Path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", f.Path, err)
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bavail * bsize
	if free > total {
		free = total
	}
	return total - free, total, nil
}

// QuotaSource reports the size of the files under Path against a fixed quota
type QuotaSource struct {
	Path       string
	QuotaBytes uint64
}

// Usage implements UsageSource
func (q QuotaSource) Usage(ctx context.Context) (uint64, uint64, error) {
	var used uint64
	err := filepath.WalkDir(q.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			used += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to size %s: %w", q.Path, err)
	}
	return used, q.QuotaBytes, nil
}

// Index is the mirrored-event retention index
type Index interface {
	CountByRetention(ctx context.Context) (map[string]int64, error)
	EvictionCandidates(ctx context.Context, order []string, limit int) ([]storage.MirrorRecord, error)
}

// EvictionOrder is the order retention classes give way under pressure:
// least durable first
func EvictionOrder() []priority.Retention {
	return []priority.Retention{
		priority.RetentionTemporary,
		priority.RetentionBestEffort,
		priority.RetentionPriority,
	}
}

// Monitor observes storage pressure. It is advisory: it never deletes.
type Monitor struct {
	source      UsageSource
	warnPercent int
	index       Index
	clock       ops.Clock
	logger      *ops.Logger

	mu   sync.RWMutex
	last *Usage
}

// NewMonitor creates a monitor. index may be nil.
func NewMonitor(source UsageSource, warnPercent int, index Index, clock ops.Clock, logger *ops.Logger) *Monitor {
	if warnPercent <= 0 {
		warnPercent = 80
	}
	if clock == nil {
		clock = ops.SystemClock{}
	}
	if logger == nil {
		logger = ops.Default()
	}
	return &Monitor{
		source:      source,
		warnPercent: warnPercent,
		index:       index,
		clock:       clock,
		logger:      logger.WithComponent("retention"),
	}
}

// Scan measures usage. On failure the previous measurement is kept and
// returned along with the error.
func (m *Monitor) Scan(ctx context.Context) (Usage, error) {
	used, total, err := m.source.Usage(ctx)
	if err != nil {
		m.logger.Warn("storage scan failed, keeping previous measurement", "error", err)
		prev, _ := m.Last()
		return prev, err
	}

	u := Usage{Used: used, Total: total, ScannedAt: m.clock.Now()}
	if total > 0 {
		u.Percent = float64(used) / float64(total) * 100
	}
	u.Pressure = total > 0 && u.Percent >= float64(m.warnPercent)

	m.mu.Lock()
	m.last = &u
	m.mu.Unlock()

	if u.Pressure {
		m.logger.Warn("storage pressure",
			"used", used,
			"total", total,
			"percent", fmt.Sprintf("%.1f", u.Percent),
			"warning_percent", m.warnPercent)
		m.reportCandidates(ctx)
	} else {
		m.logger.Info("storage scan", "used", used, "total", total, "percent", fmt.Sprintf("%.1f", u.Percent))
	}
	return u, nil
}

// reportCandidates logs what an eviction pass would remove first
func (m *Monitor) reportCandidates(ctx context.Context) {
	if m.index == nil {
		return
	}
	counts, err := m.index.CountByRetention(ctx)
	if err != nil {
		m.logger.Warn("failed to count mirrored events", "error", err)
		return
	}
	order := make([]string, 0, 3)
	for _, r := range EvictionOrder() {
		order = append(order, string(r))
	}
	candidates, err := m.index.EvictionCandidates(ctx, order, 100)
	if err != nil {
		m.logger.Warn("failed to list eviction candidates", "error", err)
		return
	}
	first := ""
	if len(candidates) > 0 {
		first = candidates[0].Retention
	}
	m.logger.Info("eviction advisory",
		"temporary", counts[string(priority.RetentionTemporary)],
		"best_effort", counts[string(priority.RetentionBestEffort)],
		"priority", counts[string(priority.RetentionPriority)],
		"candidates", len(candidates),
		"first_class", first)
}

// Last returns the most recent successful measurement
func (m *Monitor) Last() (Usage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Usage{}, false
	}
	return *m.last, true
}

// Pressure reports the pressure of the last measurement; false before the
// first successful scan
func (m *Monitor) Pressure() bool {
	u, ok := m.Last()
	return ok && u.Pressure
}
