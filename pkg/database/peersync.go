package database

import (
	"context"
	"fmt"

	"github.com/cuemby/raidcfg/pkg/metrics"
	"github.com/cuemby/raidcfg/pkg/storage"
	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/types"
)

// ApplyPeerUpdate installs the changes of a transaction the peer committed.
// Rows are written as Valid and deletes of absent rows are skipped, so a
// repeated update is harmless. Any failure means the two controllers have
// diverged and the caller should resynchronize.
func (d *Database) ApplyPeerUpdate(ctx context.Context, txn types.TransactionID, changes []tables.Change) error {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	if state := d.State(); state == types.StateServiceMode || state == types.StateCorrupt {
		return &types.DBError{Kind: types.ErrServiceMode, Op: "peer_update", ObjectID: types.InvalidObjectID,
			Reason: d.ServiceModeReason()}
	}

	final := make(map[tables.Key]*tables.Entry)
	var order []tables.Key
	var maxID uint64
	for _, c := range changes {
		e := c.Entry.Clone()
		k := e.Key()
		if _, seen := final[k]; !seen {
			order = append(order, k)
		}
		final[k] = nil
		if c.Op != types.EntryDestroy {
			final[k] = &e
			if id := e.Header().EntryID; id > maxID {
				maxID = id
			}
		}
	}

	var (
		batch   storage.Batch
		install []tables.Change
	)
	for _, k := range order {
		if e := final[k]; e != nil {
			batch.Writes = append(batch.Writes, *e)
			install = append(install, tables.Change{Op: types.EntryValid, Entry: *e})
			continue
		}
		if cur, ok := d.tables.Lookup(k); ok {
			batch.Deletes = append(batch.Deletes, k)
			install = append(install, tables.Change{Op: types.EntryDestroy, Entry: cur})
		}
	}

	if err := d.tables.Check(install); err != nil {
		return fmt.Errorf("peer update %d: %w", txn, err)
	}
	if err := newProjection(d.tables, install).referentialIntegrity(); err != nil {
		return fmt.Errorf("peer update %d: %w", txn, err)
	}
	if err := d.persist(context.WithoutCancel(ctx), batch); err != nil {
		d.setState(types.StateDegraded, types.ReasonPersistenceFailure)
		return err
	}
	if err := d.tables.Apply(install); err != nil {
		d.setState(types.StateCorrupt, types.ReasonIntegrityBroken)
		return err
	}
	d.raiseEntryID(maxID)
	d.notify(txn, changes)
	metrics.PeerUpdatesTotal.WithLabelValues("applied").Inc()
	return nil
}

// ReplaceAll makes entries the whole configuration, on disk and in memory.
// It is the receiving half of a full resynchronization and is all-or-nothing.
func (d *Database) ReplaceAll(ctx context.Context, entries []tables.Entry) error {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	trial := tables.New(d.tables.Capacity())
	if err := trial.Replace(entries); err != nil {
		return err
	}
	if err := newProjection(trial, nil).referentialIntegrity(); err != nil {
		return err
	}

	keep := make(map[tables.Key]bool, len(entries))
	var maxID uint64
	for _, e := range entries {
		keep[e.Key()] = true
		if id := e.Header().EntryID; id > maxID {
			maxID = id
		}
	}
	batch := storage.Batch{Writes: entries}
	for _, e := range d.tables.Snapshot() {
		if k := e.Key(); !keep[k] {
			batch.Deletes = append(batch.Deletes, k)
		}
	}

	if err := d.persist(context.WithoutCancel(ctx), batch); err != nil {
		d.setState(types.StateDegraded, types.ReasonPersistenceFailure)
		return err
	}
	if err := d.tables.Replace(entries); err != nil {
		d.setState(types.StateCorrupt, types.ReasonIntegrityBroken)
		return err
	}
	d.raiseEntryID(maxID)
	d.logger.Info().Int("entries", len(entries)).Msg("Configuration replaced from peer")
	return nil
}

// Snapshot copies the committed configuration with no commit in flight.
// mark runs inside the same critical section so the caller can record the
// replication position the snapshot corresponds to.
func (d *Database) Snapshot(mark func() uint64) ([]tables.Entry, uint64) {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()
	var pos uint64
	if mark != nil {
		pos = mark()
	}
	return d.tables.Snapshot(), pos
}

func (d *Database) raiseEntryID(id uint64) {
	for {
		cur := d.lastEntryID.Load()
		if id <= cur || d.lastEntryID.CompareAndSwap(cur, id) {
			return
		}
	}
}
