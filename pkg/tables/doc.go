/*
Package tables holds the committed configuration tables in memory.

A Store is an arena indexed by object id. Object, user and system spare rows
take one slot per id; edges take up to MaxEdgesPerObject slots per id; global
info holds one singleton per type. Each table has its own RWMutex and
operations spanning tables lock them in types.LockOrder.

The Store knows nothing about transactions, persistence or peers. It accepts
batches of changes that either land completely or not at all, and it answers
lookups. Package database decides what a batch contains and when it may be
applied.

# Architecture

	┌──────────────────────────── STORE ─────────────────────────────┐
	│                                                                  │
	│  object id:   0      1      2      3     ...    capacity-1      │
	│             ┌──────┬──────┬──────┬──────┬─────┬──────┐          │
	│  objects    │  ·   │ pvd  │ lun  │  ·   │ ... │  ·   │ objectMu │
	│             ├──────┼──────┼──────┼──────┼─────┼──────┤          │
	│  users      │  ·   │ #0   │ #7   │  ·   │ ... │  ·   │ userMu   │
	│             ├──────┼──────┼──────┼──────┼─────┼──────┤          │
	│  edges      │  ·   │  ·   │[0]→1 │  ·   │ ... │  ·   │ edgeMu   │
	│             │      │      │[1] · │      │     │      │          │
	│             ├──────┼──────┼──────┼──────┼─────┼──────┤          │
	│  spares     │  ·   │  ·   │  ·   │  ·   │ ... │  ·   │ spareMu  │
	│             └──────┴──────┴──────┴──────┴─────┴──────┘          │
	│                                                                  │
	│  global     map[GlobalInfoType]GlobalInfoEntry         globalMu │
	│                                                                  │
	│  indexes    numbers  btree (space, number) → object id          │
	│             wwns     btree wwn → object id                      │
	│             serverRefs  server id → edge count                  │
	└──────────────────────────────────────────────────────────────────┘

Every slot carries a Header with its EntryID and State. A slot whose State is
not EntryValid is empty; lookups report types.ErrNotFound for it.

# Core Components

Store:
  - Created by New with a fixed object id capacity
  - Capacity never grows; ids at or above it are ErrCapacityExceeded
  - Safe for concurrent readers while a batch is applied

Entry:
  - A tagged union with exactly one table payload set
  - Built with ObjectEntry, UserEntry, EdgeEntry, GlobalInfoEntry, SpareEntry
  - Key identifies the slot: table, object id, client index or info type

Change:
  - An Op (Create, Modify, Destroy) and the Entry it applies to
  - Modify with a zero EntryID keeps the id already in the slot

Iterator:
  - Walks one table slot by slot under its read lock
  - Holds no lock between calls to Next
  - Reset starts over; All drains what is left

# Applying changes

Changes are applied in batches. A batch either lands completely or not at all:

	err := store.Apply([]tables.Change{
		{Op: types.EntryCreate, Entry: tables.ObjectEntry(obj)},
		{Op: types.EntryCreate, Entry: tables.EdgeEntry(edge)},
	})
	if errors.Is(err, types.ErrCollision) {
		// id already in use
	}

Earlier changes in a batch are visible to later ones, so a transaction may
create and then destroy the same object.

Apply runs in two phases. The check phase walks the batch against an overlay
that records what each earlier change did to presence, numbers and WWNs,
without touching the Store. Only when every change passes are all tables
write-locked and the changes installed. Check runs the first phase alone,
which is how the database validates a commit before persisting it.

A batch is refused when:
  - A Create targets an occupied slot (ErrCollision)
  - A Modify or Destroy targets an empty slot (ErrNotFound)
  - An object id or client index is out of range (ErrCapacityExceeded)
  - A user number or WWN is already owned by another object (ErrCollision)
  - A payload is missing or its config does not match its class (ErrValidationFailed)

# Indexes

User entries are indexed by (number space, user number) and by WWN in
google/btree ordered trees. A user entry that has no number must set Number
to types.InvalidNumber. Number spaces keep LUN numbers apart from RAID group
numbers, so LUN 3 and RAID group 3 can both exist:

	id, err := store.LookupByNumber(tables.NumberLUN, 3)
	ids := store.Numbers(tables.NumberRaidGroup) // ascending by number

Edges keep a reference count per server object so destroying a server that
still has clients can be refused upstream:

	if store.ServerRefs(pvdID) > 0 {
		// still consumed by at least one client
	}

# Enumeration

	it := store.Enumerate(types.TableUser, func(e tables.Entry) bool {
		return e.User.Class.IsLUN()
	})
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		fmt.Println(e.User.Name)
	}

Because the iterator drops its lock between rows, a long walk never blocks a
commit. Rows committed behind the cursor are not seen; rows committed ahead of
it are.

# Snapshot and Replace

Snapshot copies every valid row under all read locks, in table order. Replace
checks a full row set against an empty store and swaps it in under all write
locks, rebuilding the indexes. The database uses the pair for startup load
and for installing a peer snapshot.

# Locking

Single-table reads take only that table's read lock. Apply, Snapshot and
Replace take every lock in types.LockOrder:

	object → user → edge → global info → system spare

and release them in reverse. Code outside this package must not hold a table
lock, so the order cannot be violated from outside.

# Performance Characteristics

  - Slot lookups by object id: O(1)
  - Number and WWN lookups: O(log n) in the btree
  - Apply: O(changes) check plus O(changes × log n) index updates
  - Memory: fixed at New, proportional to capacity × MaxEdgesPerObject

# Troubleshooting

Create fails with ErrCollision on an id that looks free:
  - An earlier change in the same batch created it
  - A user number or WWN is owned by a different object id

Iterator misses a row that was just committed:
  - The row sits behind the cursor; call Reset and walk again

# See Also

  - pkg/database for transactions built on top of this package
  - pkg/types for entry payloads and LockOrder
*/
package tables
