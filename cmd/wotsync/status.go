package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sandwichfarm/wotsync/internal/ops"
)

var startTime = time.Now()

// diagnostics gathers one status snapshot. A failing section is logged and
// left out instead of failing the whole report.
func (a *app) diagnostics(ctx context.Context) *ops.Diagnostics {
	d := &ops.Diagnostics{
		CollectedAt: time.Now(),
		System:      ops.CollectSystemStats(version, commit, startTime),
	}

	if err := a.registry.Load(ctx); err != nil {
		a.logger.Warn("failed to load relay registry", "error", err)
	} else {
		known, online := a.registry.Counts()
		d.Relays = &ops.RelayStats{Known: known, Online: online}
	}

	if state, err := a.stateStats(ctx); err != nil {
		a.logger.Warn("failed to read state database", "error", err)
	} else {
		d.State = state
	}

	if u, err := a.monitor.Scan(ctx); err != nil {
		a.logger.Warn("storage scan failed", "error", err)
	} else {
		d.Storage = &ops.StorageUsage{Scanned: true, Percent: u.Percent, Pressure: u.Pressure, ScannedAt: u.ScannedAt}
	}

	return d
}

func (a *app) stateStats(ctx context.Context) (*ops.StateStats, error) {
	records, err := a.store.CountTrustRecords(ctx)
	if err != nil {
		return nil, err
	}
	cursors, err := a.store.GetAllSyncCursors(ctx)
	if err != nil {
		return nil, err
	}
	byRetention, err := a.store.CountByRetention(ctx)
	if err != nil {
		return nil, err
	}
	return &ops.StateStats{
		TrustRecords:      records,
		SyncCursors:       len(cursors),
		MirroredRetention: byRetention,
	}, nil
}

func (a *app) status(ctx context.Context, asJSON bool) error {
	d := a.diagnostics(ctx)
	if asJSON {
		return printJSON(d)
	}
	fmt.Print(d.FormatAsText())
	return nil
}

func (a *app) backup(ctx context.Context, dest string) error {
	size, err := a.store.Backup(ctx, dest)
	a.logger.LogBackupOperation("state_database", dest, size, err)
	if err != nil {
		return err
	}
	fmt.Printf("Backup written to %s (%d bytes)\n", dest, size)
	return nil
}
