package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/raidcfg/pkg/events"
	"github.com/cuemby/raidcfg/pkg/log"
	"github.com/cuemby/raidcfg/pkg/metrics"
	"github.com/cuemby/raidcfg/pkg/storage"
	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/transaction"
	"github.com/cuemby/raidcfg/pkg/types"
)

// Start takes the single transaction slot. It waits up to the configured
// start timeout for a running transaction to finish.
func (d *Database) Start(ctx context.Context, typ types.TransactionType, kind transaction.Kind, job uint64) (types.TransactionID, error) {
	return d.txns.Start(ctx, typ, kind, job)
}

// Stage appends a change to the working set of transaction id
func (d *Database) Stage(id types.TransactionID, op types.EntryState, entry tables.Entry) error {
	return d.txns.Stage(id, op, entry)
}

// StageObject stages an object entry
func (d *Database) StageObject(id types.TransactionID, op types.EntryState, e types.ObjectEntry) error {
	return d.txns.StageObject(id, op, e)
}

// StageUser stages a user entry
func (d *Database) StageUser(id types.TransactionID, op types.EntryState, e types.UserEntry) error {
	return d.txns.StageUser(id, op, e)
}

// StageEdge stages an edge entry
func (d *Database) StageEdge(id types.TransactionID, op types.EntryState, e types.EdgeEntry) error {
	return d.txns.StageEdge(id, op, e)
}

// StageGlobalInfo stages a global info entry
func (d *Database) StageGlobalInfo(id types.TransactionID, op types.EntryState, e types.GlobalInfoEntry) error {
	return d.txns.StageGlobalInfo(id, op, e)
}

// StageSpare stages a system spare entry
func (d *Database) StageSpare(id types.TransactionID, op types.EntryState, e types.SystemSpareEntry) error {
	return d.txns.StageSpare(id, op, e)
}

// NextGeneration stages a bump of the generation counter and returns the new value
func (d *Database) NextGeneration(id types.TransactionID) (uint64, error) {
	return d.txns.NextGeneration(id, d.Generation())
}

// Transaction returns a copy of transaction id
func (d *Database) Transaction(id types.TransactionID) (transaction.Transaction, error) {
	return d.txns.Get(id)
}

// Abort discards an active transaction without touching the tables
func (d *Database) Abort(id types.TransactionID) error {
	if err := d.txns.Abort(id); err != nil {
		return err
	}
	d.aborted(id, "aborted by caller")
	return nil
}

// Rollback ends a transaction that has not been persisted. Nothing staged
// reaches the tables or the store.
func (d *Database) Rollback(ctx context.Context, id types.TransactionID) error {
	if _, err := d.txns.Begin(id, types.TransactionRollback); err != nil {
		return err
	}
	if err := d.txns.Finish(id); err != nil {
		return err
	}
	d.aborted(id, "rolled back")
	return nil
}

func (d *Database) aborted(id types.TransactionID, why string) {
	metrics.RollbacksTotal.Inc()
	logger := log.WithTransactionID(d.logger, uint64(id))
	logger.Debug().Str("why", why).Msg("Transaction discarded")
	d.publish(&events.Event{
		Type:          events.EventTransactionAborted,
		ObjectID:      types.InvalidObjectID,
		TransactionID: id,
		Message:       why,
	})
}

// plan is a transaction resolved against the committed tables
type plan struct {
	changes []tables.Change
	batch   storage.Batch
	undo    storage.Batch
}

// Commit validates, persists and applies transaction id. Validation errors
// abort the transaction and leave everything untouched. Persistence errors
// are retried; when retries run out the partial write is compensated, the
// database goes Degraded and ErrPersistenceFailure is returned.
func (d *Database) Commit(ctx context.Context, id types.TransactionID) error {
	timer := metrics.NewTimer()
	logger := log.WithTransactionID(d.logger, uint64(id))

	txn, err := d.txns.Get(id)
	if err != nil {
		return err
	}
	if txn.State != types.TransactionActive {
		return &types.DBError{Kind: types.ErrInvalidState, Op: "commit", ObjectID: types.InvalidObjectID,
			Err: fmt.Errorf("transaction %d is %s", id, txn.State)}
	}

	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	if state, reason := d.status(); state != types.StateReady && state != types.StateUpdatingPeer {
		_ = d.txns.Abort(id)
		d.aborted(id, "database is "+string(state))
		metrics.CommitsTotal.WithLabelValues("refused").Inc()
		kind := types.ErrInvalidState
		if state == types.StateServiceMode || state == types.StateCorrupt {
			kind = types.ErrServiceMode
		}
		return &types.DBError{Kind: kind, Op: "commit", ObjectID: types.InvalidObjectID, Reason: reason,
			Err: fmt.Errorf("database is %s", state)}
	}

	// Staging stops here; the copy Begin returns is what gets committed.
	txn, err = d.txns.Begin(id, types.TransactionCommit)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.txns.Finish(id); err != nil {
			logger.Error().Err(err).Msg("Failed to release transaction")
		}
	}()

	p := d.resolve(txn.Changes)
	if err := d.validate(p.changes); err != nil {
		d.aborted(id, "validation failed")
		metrics.CommitsTotal.WithLabelValues("validation_failed").Inc()
		logger.Debug().Err(err).Msg("Commit rejected")
		return err
	}

	// Past this point the commit cannot be canceled, only compensated.
	pctx := context.WithoutCancel(ctx)
	if err := d.persist(pctx, p.batch); err != nil {
		d.compensate(pctx, id, p.undo)
		metrics.CommitsTotal.WithLabelValues("persistence_failure").Inc()
		return err
	}

	if err := d.tables.Apply(p.changes); err != nil {
		// Disk holds the transaction but memory refused it.
		logger.Error().Err(err).Msg("Persisted transaction could not be applied")
		d.setState(types.StateCorrupt, types.ReasonIntegrityBroken)
		metrics.CommitsTotal.WithLabelValues("apply_failure").Inc()
		return &types.DBError{Kind: types.ErrCorrupt, Op: "commit", ObjectID: types.InvalidObjectID,
			Reason: types.ReasonIntegrityBroken, Err: err}
	}

	d.notify(id, p.changes)
	timer.ObserveDuration(metrics.CommitDuration)
	metrics.CommitsTotal.WithLabelValues("success").Inc()
	logger.Info().
		Int("changes", len(p.changes)).
		Str("kind", txn.Kind.String()).
		Msg("Transaction committed")

	d.replicate(ctx, txn, p.changes)
	return nil
}

// resolve fills in entry ids and the Valid state on every staged row and
// collapses the batch to the final value of each key for persistence
func (d *Database) resolve(staged []tables.Change) plan {
	var p plan
	final := make(map[tables.Key]*tables.Entry)
	created := make(map[tables.Key]uint64)
	var order []tables.Key

	for _, c := range staged {
		e := c.Entry.Clone()
		k := e.Key()
		h := e.Header()
		switch c.Op {
		case types.EntryCreate:
			if h.EntryID == 0 {
				h.EntryID = d.nextEntryID()
			}
			created[k] = h.EntryID
		case types.EntryModify:
			if h.EntryID == 0 {
				if id, ok := created[k]; ok {
					h.EntryID = id
				} else if cur, ok := d.tables.Lookup(k); ok {
					h.EntryID = cur.Header().EntryID
				}
			}
		case types.EntryDestroy:
			delete(created, k)
		}
		if c.Op != types.EntryDestroy {
			h.State = types.EntryValid
		}
		e.SetHeader(h)
		p.changes = append(p.changes, tables.Change{Op: c.Op, Entry: e})

		if _, seen := final[k]; !seen {
			order = append(order, k)
		}
		if c.Op == types.EntryDestroy {
			final[k] = nil
		} else {
			v := e
			final[k] = &v
		}
	}

	for _, k := range order {
		if e := final[k]; e != nil {
			p.batch.Writes = append(p.batch.Writes, *e)
		} else {
			p.batch.Deletes = append(p.batch.Deletes, k)
		}
		if before, ok := d.tables.Lookup(k); ok {
			p.undo.Writes = append(p.undo.Writes, before)
		} else {
			p.undo.Deletes = append(p.undo.Deletes, k)
		}
	}
	return p
}

// persist writes b with bounded retries
func (d *Database) persist(ctx context.Context, b storage.Batch) error {
	if b.Empty() {
		return nil
	}
	var err error
	for attempt := 1; attempt <= d.opts.PersistRetries; attempt++ {
		if err = d.store.Persist(ctx, b); err == nil {
			return nil
		}
		d.logger.Warn().Err(err).Int("attempt", attempt).Msg("Persist failed")
		if attempt < d.opts.PersistRetries {
			metrics.PersistRetriesTotal.Inc()
			time.Sleep(d.opts.PersistRetryInterval)
		}
	}
	return &types.DBError{Kind: types.ErrPersistenceFailure, Op: "persist", ObjectID: types.InvalidObjectID,
		Reason: types.ReasonPersistenceFailure, Err: err}
}

// compensate restores the before-image of every key a failed commit may have
// touched and leaves the database Degraded. If even that fails the on-disk
// state is unknown and the database goes to service mode.
func (d *Database) compensate(ctx context.Context, id types.TransactionID, undo storage.Batch) {
	logger := log.WithTransactionID(d.logger, uint64(id))
	metrics.CompensationsTotal.Inc()
	metrics.RollbacksTotal.Inc()

	if err := d.persist(ctx, undo); err != nil {
		logger.Error().Err(err).Msg("Compensation failed, on-disk configuration is unknown")
		d.setState(types.StateServiceMode, types.ReasonPersistenceFailure)
		return
	}
	logger.Warn().
		Int("restored", len(undo.Writes)).
		Int("removed", len(undo.Deletes)).
		Msg("Commit compensated after persistence failure")
	d.setState(types.StateDegraded, types.ReasonPersistenceFailure)
}

// notify publishes one event per object or global info change
func (d *Database) notify(id types.TransactionID, changes []tables.Change) {
	for _, c := range changes {
		switch c.Entry.Table {
		case types.TableObject:
			typ := events.EventObjectModified
			switch c.Op {
			case types.EntryCreate:
				typ = events.EventObjectCreated
			case types.EntryDestroy:
				typ = events.EventObjectDestroyed
			}
			d.publish(&events.Event{
				Type:          typ,
				ObjectID:      c.Entry.ObjectID(),
				Class:         c.Entry.Object.Class,
				TransactionID: id,
			})
		case types.TableGlobalInfo:
			g := c.Entry.GlobalInfo
			ev := &events.Event{
				Type:          events.EventGlobalInfoChanged,
				ObjectID:      types.InvalidObjectID,
				TransactionID: id,
				Message:       g.Type.String(),
			}
			if g.Type == types.GlobalInfoEncryption {
				ev.Type = events.EventEncryptionChanged
				ev.Message = string(g.Encryption.Mode)
			}
			d.publish(ev)
		}
	}
}

// replicate hands the committed changes to the peer link. Recovery
// transactions wait for the ack; a peer timeout is logged, the local commit
// stands either way.
func (d *Database) replicate(ctx context.Context, txn transaction.Transaction, changes []tables.Change) {
	if d.replicator == nil {
		return
	}
	wait := txn.Type == types.TransactionRecovery
	err := d.replicator.Replicate(ctx, txn.ID, changes, wait)
	if err == nil {
		return
	}
	logger := log.WithTransactionID(d.logger, uint64(txn.ID))
	if errors.Is(err, types.ErrPeerTimeout) {
		logger.Warn().Err(err).Msg("Peer did not acknowledge update")
		return
	}
	logger.Error().Err(err).Msg("Failed to replicate transaction")
}
