/*
Package database is the transactional configuration database of one storage
controller.

A Database owns the committed tables (package tables), the single
transaction slot (package transaction), the persistent store (package
storage) and the system state flag. Every structural change to the RAID
configuration goes through a transaction; reads go straight to the tables
and never wait for a transaction being staged.

# Architecture

	┌──────────────────────── DATABASE ─────────────────────────┐
	│                                                             │
	│   callers (jobs, CLI, peer link)                            │
	│        │ Start / Stage* / Commit / Abort / Rollback         │
	│        ▼                                                    │
	│  ┌──────────────────────┐     ┌─────────────────────────┐  │
	│  │ transaction.Manager  │     │   Query façade          │  │
	│  │ - one slot           │     │ - GetObject, GetEdges   │  │
	│  │ - staging limits     │     │ - LookupByWWN, ...      │  │
	│  └──────────┬───────────┘     └────────────┬────────────┘  │
	│             │ Begin                         │ RLock         │
	│  ┌──────────▼───────────────────────────────▼────────────┐ │
	│  │                  commit engine (commitMu)              │ │
	│  │  resolve ─► validate ─► persist ─► apply ─► notify     │ │
	│  │                 │           │                  │       │ │
	│  │              Policy      retries,         Replicator   │ │
	│  │                       compensation                     │ │
	│  └───────────────┬──────────────┬─────────────────────────┘ │
	│                  │              │                           │
	│        ┌─────────▼──────┐  ┌────▼──────────┐               │
	│        │ storage.Store  │  │ tables.Store  │               │
	│        │ (bbolt file)   │  │ (in memory)   │               │
	│        └────────────────┘  └───────────────┘               │
	└─────────────────────────────────────────────────────────────┘

# Core Components

Database:
  - Created by Open from Options
  - Holds the system state (Initializing, Ready, Degraded, ServiceMode, ...)
  - One instance per controller; tests open as many as they need

Commit engine:
  - Serialized by commitMu, shared with peer updates
  - Persists before applying, so memory never runs ahead of disk
  - Writes compensating records when a batch could not be persisted

Query façade:
  - Read-only lookups over the committed tables
  - Number and WWN lookups for the RAID and block layers
  - State() reads the system state under a small dedicated lock

Policy:
  - Predicates consulted after the core validation
  - SpareDrivePolicy lets system drives act as spares
  - EdgeCapacityPolicy keeps edges inside their provision drive

# Usage

Committing a transaction:

	id, err := db.Start(ctx, types.TransactionCreate, transaction.KindJob, job)
	if err != nil {
		return err // types.ErrAlreadyActive after StartTimeout
	}
	if err := db.StageObject(id, types.EntryCreate, lun); err != nil {
		_ = db.Abort(id)
		return err
	}
	if err := db.StageEdge(id, types.EntryCreate, edge); err != nil {
		_ = db.Abort(id)
		return err
	}
	return db.Commit(ctx, id)

Looking things up:

	obj, err := db.GetObject(id)
	if errors.Is(err, types.ErrNotFound) {
		// never created, or destroyed
	}
	lunID, err := db.LookupLUNByNumber(7)
	for it := db.Enumerate(types.TableEdge, nil); ; {
		e, ok := it.Next()
		if !ok {
			break
		}
		_ = e
	}

Adding a policy:

	db, err := database.Open(ctx, database.Options{
		Store:    store,
		Capacity: 4096,
		Policies: []database.Policy{
			database.SpareDrivePolicy{IsSystem: database.SystemObjects(16)},
			database.EdgeCapacityPolicy{},
		},
	})

# Commit

Commit runs these steps while holding commitMu:

 1. Begin moves the transaction to Commit; from here Stage is refused and
    the copy Begin returned is what gets committed.
 2. resolve assigns entry ids and collapses the batch to one final row per
    key. A row created and then modified in the same transaction keeps the
    id of its Create.
 3. validate checks capacity, collisions, dangling edges, server objects
    that still have clients, and every Policy. A rejected commit releases
    the slot and touches nothing.
 4. persist writes the batch with PersistRetries attempts.
 5. The tables apply the batch, events are published and the Replicator
    receives the changes.

A validation error is never retried. It is a caller error and returns at
once with types.ErrValidationFailed, types.ErrCollision or
types.ErrCapacityExceeded.

# Failure Scenarios

Store keeps failing:
  - The before-image of every touched key is written back
  - The database goes Degraded with ReasonPersistenceFailure
  - Commit returns types.ErrPersistenceFailure
  - Reload re-reads the store and returns to Ready once it works

Memory refuses a persisted batch:
  - Only possible when the tables and validation disagree
  - The database goes Corrupt with ReasonIntegrityBroken

Corrupt record at startup:
  - Open succeeds but the database is in ServiceMode
  - The reason tells checksum failures from dangling references
  - Lookups keep working; no transaction can start

Peer does not acknowledge:
  - Ordinary transactions never wait for the peer
  - Recovery transactions wait up to the ack timeout
  - A timeout is logged and the local commit stands

# Peer Updates

ApplyPeerUpdate and ReplaceAll install changes committed by the other
controller. They run under commitMu, so they never interleave with a local
commit, and they are validated like one. Snapshot returns the committed
rows together with the journal position read under the same lock, which
lets a rejoining peer continue streaming exactly after the snapshot.

# Global Settings

The global info table holds singletons that are changed through ordinary
transactions: SetPowerSave, SetEncryptionMode, SetSpareTimer and
SetTimeThreshold each commit one row. Generation numbers come from the
generation row and are handed out by NextGeneration inside a transaction.

# Integration Points

This package integrates with:

  - pkg/tables: committed rows and indexes
  - pkg/transaction: the single staging slot
  - pkg/storage: durable writes and startup image
  - pkg/events: object, encryption and state notifications
  - pkg/metrics: commit counters, durations and database state
  - pkg/peer: implements Replicator and consumes the peer hooks

# Monitoring

Metrics:
  - raidcfg_commits_total{result}: success, refused, validation_failed, persistence_failure, apply_failure
  - raidcfg_commit_duration_seconds: successful commits
  - raidcfg_persist_retries_total and raidcfg_persist_compensations_total
  - raidcfg_database_state: current state as a number

A database that is not Ready is reported unhealthy by the health endpoints.

# See Also

  - pkg/tables for the locking order
  - pkg/peer for replication and resync
*/
package database
