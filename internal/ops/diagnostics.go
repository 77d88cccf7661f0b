package ops

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

// SystemStats contains overall process statistics
type SystemStats struct {
	Version   string
	Commit    string
	Uptime    time.Duration
	StartTime time.Time

	GoVersion       string
	NumGoroutines   int
	MemAllocMB      float64
	MemTotalAllocMB float64
	MemSysMB        float64
	NumGC           uint32
}

// CollectSystemStats reads the runtime counters
func CollectSystemStats(version, commit string, start time.Time) *SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemStats{
		Version:   version,
		Commit:    commit,
		Uptime:    time.Since(start),
		StartTime: start,

		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		MemAllocMB:      float64(m.Alloc) / 1024 / 1024,
		MemTotalAllocMB: float64(m.TotalAlloc) / 1024 / 1024,
		MemSysMB:        float64(m.Sys) / 1024 / 1024,
		NumGC:           m.NumGC,
	}
}

// RelayStats summarizes the relay registry
type RelayStats struct {
	Known  int
	Online int
}

// StateStats summarizes the state database
type StateStats struct {
	TrustRecords      int64
	SyncCursors       int
	MirroredRetention map[string]int64
}

// StorageUsage is the last retention scan. Scanned is false before the first.
type StorageUsage struct {
	Scanned   bool
	Percent   float64
	Pressure  bool
	ScannedAt time.Time
}

// Diagnostics is one status snapshot. Sections left nil are not shown.
type Diagnostics struct {
	CollectedAt time.Time
	System      *SystemStats
	Relays      *RelayStats
	State       *StateStats
	Storage     *StorageUsage
}

// FormatAsText formats diagnostics as plain text
func (d *Diagnostics) FormatAsText() string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== wotsync Diagnostics ===\n")
	fmt.Fprintf(&b, "Collected: %s\n\n", d.CollectedAt.Format(time.RFC3339))

	if d.System != nil {
		fmt.Fprintf(&b, "--- System ---\n")
		fmt.Fprintf(&b, "Version: %s (%s)\n", d.System.Version, d.System.Commit)
		fmt.Fprintf(&b, "Go Version: %s\n", d.System.GoVersion)
		fmt.Fprintf(&b, "Goroutines: %d\n", d.System.NumGoroutines)
		fmt.Fprintf(&b, "Memory: %.2f MB allocated, %.2f MB system\n", d.System.MemAllocMB, d.System.MemSysMB)
		fmt.Fprintf(&b, "GC Runs: %d\n\n", d.System.NumGC)
	}

	if d.Relays != nil {
		fmt.Fprintf(&b, "--- Relays ---\n")
		fmt.Fprintf(&b, "Known: %d\n", d.Relays.Known)
		fmt.Fprintf(&b, "Online: %d\n\n", d.Relays.Online)
	}

	if d.State != nil {
		fmt.Fprintf(&b, "--- State ---\n")
		fmt.Fprintf(&b, "Trust Records: %d\n", d.State.TrustRecords)
		fmt.Fprintf(&b, "Sync Cursors: %d\n", d.State.SyncCursors)
		fmt.Fprintf(&b, "Mirrored Events:\n")
		keys := make([]string, 0, len(d.State.MirroredRetention))
		for k := range d.State.MirroredRetention {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %d\n", k, d.State.MirroredRetention[k])
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "--- Storage ---\n")
	switch {
	case d.Storage == nil || !d.Storage.Scanned:
		fmt.Fprintf(&b, "Not scanned yet\n")
	default:
		fmt.Fprintf(&b, "Usage: %.1f%%\n", d.Storage.Percent)
		fmt.Fprintf(&b, "Pressure: %v\n", d.Storage.Pressure)
		fmt.Fprintf(&b, "Scanned: %s\n", d.Storage.ScannedAt.Format(time.RFC3339))
	}

	return b.String()
}
