/*
Package storage provides BoltDB-backed persistence for the configuration tables.

BoltStore keeps one bucket per table plus a meta bucket holding the schema
version. Every row is stored as JSON inside a record envelope carrying an
xxhash checksum of the row bytes:

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  File: <dataDir>/raidcfg.db                                │
	│                                                            │
	│  objects        key: object id (4 bytes BE)                │
	│  users          key: object id (4 bytes BE)                │
	│  edges          key: object id + client index (8 bytes BE) │
	│  global_info    key: global info type (4 bytes BE)         │
	│  system_spares  key: object id (4 bytes BE)                │
	│  meta           schema_version                             │
	│                                                            │
	│  value: {"sum": xxhash64(data), "data": <row JSON>}        │
	└────────────────────────────────────────────────────────────┘

# Durability

Persist writes and deletes a whole Batch inside one bolt transaction, so a
crash leaves either the old rows or the new ones. WriteEntries and
DeleteEntries are single transactions too and are idempotent: writing the same
row twice leaves the same bytes.

	store, err := storage.NewBoltStore("/var/lib/raidcfg")
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.Persist(ctx, storage.Batch{
		Writes:  []tables.Entry{tables.ObjectEntry(obj)},
		Deletes: []tables.Key{{Table: types.TableEdge, ObjectID: 7, ClientIndex: 0}},
	})

# Corruption

Load stops at the first row whose checksum or key does not match and returns
a types.ErrCorrupt error carrying ReasonSystemDBHeaderDataCorrupt. A schema
version newer than SchemaVersion is reported with
ReasonProblematicDatabaseVersion. Verify walks the whole file and lists every
bad row; the check command uses it.

# Fault injection

FaultyStore wraps any Store and fails calls on demand (FailNext, CrashAfter)
or persists only the write half of a batch (TearNext). Tests use it to
drive the commit engine through retries and compensation.
*/
package storage
