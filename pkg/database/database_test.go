package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/raidcfg/pkg/events"
	"github.com/cuemby/raidcfg/pkg/storage"
	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/transaction"
	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openBolt(t *testing.T, dir string) *storage.BoltStore {
	t.Helper()
	s, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	return s
}

func openDB(t *testing.T, store storage.Store, mutate ...func(*Options)) *Database {
	t.Helper()
	opts := Options{
		Store:                store,
		Capacity:             64,
		PersistRetries:       3,
		PersistRetryInterval: time.Millisecond,
		StartTimeout:         50 * time.Millisecond,
		PollInterval:         5 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	d, err := Open(context.Background(), opts)
	require.NoError(t, err)
	return d
}

func pvd(id types.ObjectID, capacity uint64) types.ObjectEntry {
	return types.ObjectEntry{
		Header: types.Header{ObjectID: id},
		Class:  types.ClassProvisionDrive,
		Config: types.ProvisionDriveConfig{Capacity: capacity, SerialNumber: "SN"},
	}
}

func lun(id types.ObjectID) types.ObjectEntry {
	return types.ObjectEntry{
		Header: types.Header{ObjectID: id},
		Class:  types.ClassLUN,
		Config: types.LUNConfig{Capacity: 1 << 20},
	}
}

func edge(client types.ObjectID, index uint32, server types.ObjectID) types.EdgeEntry {
	return types.EdgeEntry{
		Header:      types.Header{ObjectID: client},
		ServerID:    server,
		ClientIndex: index,
		Capacity:    1 << 20,
	}
}

// commit runs stage inside one ordinary job transaction
func commit(t *testing.T, d *Database, stage func(id types.TransactionID)) error {
	t.Helper()
	id, err := d.Start(context.Background(), types.TransactionCreate, transaction.KindJob, 1)
	require.NoError(t, err)
	stage(id)
	return d.Commit(context.Background(), id)
}

func TestCommit_CreateObject(t *testing.T) {
	d := openDB(t, openBolt(t, t.TempDir()))
	defer d.Close()

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(5, 1<<30)))
	}))

	obj, err := d.GetObject(5)
	require.NoError(t, err)
	assert.Equal(t, types.EntryValid, obj.Header.State)
	assert.Equal(t, types.ClassProvisionDrive, obj.Class)
	assert.Equal(t, types.ProvisionDriveConfig{Capacity: 1 << 30, SerialNumber: "SN"}, obj.Config)
	assert.NotZero(t, obj.Header.EntryID)

	_, busy := d.txns.Current()
	assert.False(t, busy, "slot is released after commit")
}

func TestCommit_CreateThenModifyKeepsEntryID(t *testing.T) {
	d := openDB(t, openBolt(t, t.TempDir()))
	defer d.Close()

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(5, 1<<20)))
		require.NoError(t, d.StageObject(id, types.EntryModify, pvd(5, 1<<30)))
	}))
	served, err := d.GetObject(5)
	require.NoError(t, err)
	require.NotZero(t, served.Header.EntryID)

	require.NoError(t, d.Reload(context.Background()))
	loaded, err := d.GetObject(5)
	require.NoError(t, err)
	assert.Equal(t, served.Header.EntryID, loaded.Header.EntryID)
	assert.Equal(t, types.ProvisionDriveConfig{Capacity: 1 << 30, SerialNumber: "SN"}, loaded.Config)
}

func TestCommit_StagingClosedOnceCommitBegins(t *testing.T) {
	var (
		d        *Database
		txn      types.TransactionID
		once     sync.Once
		stageErr error
	)
	d = openDB(t, openBolt(t, t.TempDir()), func(o *Options) {
		o.Policies = []Policy{NewPolicy("late_stage", func(View, tables.Change) error {
			if d != nil {
				once.Do(func() { stageErr = d.StageObject(txn, types.EntryCreate, lun(9)) })
			}
			return nil
		})}
	})
	defer d.Close()

	var err error
	txn, err = d.Start(context.Background(), types.TransactionCreate, transaction.KindJob, 1)
	require.NoError(t, err)
	require.NoError(t, d.StageObject(txn, types.EntryCreate, lun(8)))
	require.NoError(t, d.Commit(context.Background(), txn))

	assert.ErrorIs(t, stageErr, types.ErrInvalidState, "a commit in progress refuses new rows")
	_, err = d.GetObject(8)
	assert.NoError(t, err)
	_, err = d.GetObject(9)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCommit_DanglingEdgeRejected(t *testing.T) {
	d := openDB(t, openBolt(t, t.TempDir()))
	defer d.Close()

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, lun(3)))
	}))
	before := d.ListObjects(types.ClassInvalid)

	err := commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageEdge(id, types.EntryCreate, edge(3, 0, 999)))
	})
	require.ErrorIs(t, err, types.ErrValidationFailed)

	assert.Equal(t, before, d.ListObjects(types.ClassInvalid))
	assert.Empty(t, d.GetEdges(3))
	_, busy := d.txns.Current()
	assert.False(t, busy, "a rejected commit behaves like abort")
}

func TestCommit_EdgeToCoStagedServer(t *testing.T) {
	d := openDB(t, openBolt(t, t.TempDir()))
	defer d.Close()

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(1, 1<<30)))
		require.NoError(t, d.StageObject(id, types.EntryCreate, lun(2)))
		require.NoError(t, d.StageEdge(id, types.EntryCreate, edge(2, 0, 1)))
	}))

	assert.Len(t, d.ListEdgesOf(1), 1)
}

func TestCommit_DestroyServerWithClientsRejected(t *testing.T) {
	d := openDB(t, openBolt(t, t.TempDir()))
	defer d.Close()

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(1, 1<<30)))
		require.NoError(t, d.StageObject(id, types.EntryCreate, lun(2)))
		require.NoError(t, d.StageEdge(id, types.EntryCreate, edge(2, 0, 1)))
	}))

	err := commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryDestroy, pvd(1, 1<<30)))
	})
	assert.ErrorIs(t, err, types.ErrValidationFailed)
	assert.True(t, d.Tables().ObjectExists(1))

	// destroying the edge in the same transaction makes it legal
	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageEdge(id, types.EntryDestroy, edge(2, 0, 1)))
		require.NoError(t, d.StageObject(id, types.EntryDestroy, pvd(1, 1<<30)))
	}))
	assert.False(t, d.Tables().ObjectExists(1))
}

func TestStart_AlreadyActive(t *testing.T) {
	d := openDB(t, openBolt(t, t.TempDir()))
	defer d.Close()

	a, err := d.Start(context.Background(), types.TransactionCreate, transaction.KindJob, 1)
	require.NoError(t, err)

	_, err = d.Start(context.Background(), types.TransactionCreate, transaction.KindJob, 2)
	assert.ErrorIs(t, err, types.ErrAlreadyActive)

	require.NoError(t, d.Abort(a))
	b, err := d.Start(context.Background(), types.TransactionCreate, transaction.KindJob, 2)
	require.NoError(t, err)
	require.NoError(t, d.Abort(b))
}

func TestCommit_CreateThenDestroy(t *testing.T) {
	d := openDB(t, openBolt(t, t.TempDir()))
	defer d.Close()

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(10, 1<<30)))
	}))
	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryDestroy, pvd(10, 1<<30)))
	}))

	_, err := d.GetObject(10)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Empty(t, d.ListObjects(types.ClassProvisionDrive))
}

func TestCommit_PersistFailureLeavesPriorState(t *testing.T) {
	dir := t.TempDir()
	inner := openBolt(t, dir)
	faulty := storage.NewFaultyStore(inner)
	d := openDB(t, faulty)

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(1, 100)))
	}))

	faulty.FailNext(3)
	err := commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryModify, pvd(1, 200)))
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(2, 100)))
	})
	require.ErrorIs(t, err, types.ErrPersistenceFailure)
	assert.Equal(t, types.ReasonPersistenceFailure, types.ReasonOf(err))
	assert.Equal(t, types.StateDegraded, d.State())
	assert.Equal(t, types.ReasonPersistenceFailure, d.ServiceModeReason())

	obj, err := d.GetObject(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), obj.Config.(types.ProvisionDriveConfig).Capacity)
	assert.False(t, d.Tables().ObjectExists(2))

	_, err = d.Start(context.Background(), types.TransactionCreate, transaction.KindJob, 3)
	assert.ErrorIs(t, err, types.ErrInvalidState, "degraded database refuses transactions")

	// restart on the same file
	require.NoError(t, d.Close())
	d = openDB(t, openBolt(t, dir))
	defer d.Close()

	assert.Equal(t, types.StateReady, d.State())
	obj, err = d.GetObject(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), obj.Config.(types.ProvisionDriveConfig).Capacity)
	_, err = d.GetObject(2)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCommit_TornWriteCompensated(t *testing.T) {
	dir := t.TempDir()
	inner := openBolt(t, dir)
	faulty := storage.NewFaultyStore(inner)
	d := openDB(t, faulty)

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(3, 100)))
	}))

	// two clean failures, then a batch that lands only its write half
	faulty.FailNext(2)
	faulty.TearNext(1)
	err := commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(2, 100)))
		require.NoError(t, d.StageObject(id, types.EntryDestroy, pvd(3, 100)))
	})
	require.ErrorIs(t, err, types.ErrPersistenceFailure)
	assert.Equal(t, 3, faulty.Failures())

	img, err := inner.Load(context.Background())
	require.NoError(t, err)
	var ids []types.ObjectID
	for _, e := range img.Entries {
		if e.Table == types.TableObject {
			ids = append(ids, e.ObjectID())
		}
	}
	assert.Equal(t, []types.ObjectID{3}, ids, "compensation restored the pre-transaction rows")
	require.NoError(t, d.Close())
}

func TestCommit_RetriesTransientFailure(t *testing.T) {
	faulty := storage.NewFaultyStore(openBolt(t, t.TempDir()))
	d := openDB(t, faulty)
	defer d.Close()

	faulty.FailNext(2)
	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(4, 100)))
	}))
	assert.True(t, d.Tables().ObjectExists(4))
	assert.Equal(t, types.StateReady, d.State())
}

func TestReload_LeavesDegraded(t *testing.T) {
	faulty := storage.NewFaultyStore(openBolt(t, t.TempDir()))
	d := openDB(t, faulty)
	defer d.Close()

	faulty.FailNext(3)
	err := commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(4, 100)))
	})
	require.ErrorIs(t, err, types.ErrPersistenceFailure)
	require.Equal(t, types.StateDegraded, d.State())

	require.NoError(t, d.Reload(context.Background()))
	assert.Equal(t, types.StateReady, d.State())
	assert.False(t, d.Tables().ObjectExists(4))
}

func TestRollbackAndAbort(t *testing.T) {
	d := openDB(t, openBolt(t, t.TempDir()))
	defer d.Close()

	id, err := d.Start(context.Background(), types.TransactionCreate, transaction.KindJob, 1)
	require.NoError(t, err)
	require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(1, 100)))
	require.NoError(t, d.Rollback(context.Background(), id))
	assert.False(t, d.Tables().ObjectExists(1))

	err = d.Commit(context.Background(), id)
	assert.ErrorIs(t, err, types.ErrNotFound, "the rolled back transaction is gone")

	id, err = d.Start(context.Background(), types.TransactionCreate, transaction.KindJob, 2)
	require.NoError(t, err)
	require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(1, 100)))
	require.NoError(t, d.Abort(id))
	assert.False(t, d.Tables().ObjectExists(1))
}

func TestCommit_CollisionNotRetried(t *testing.T) {
	faulty := storage.NewFaultyStore(openBolt(t, t.TempDir()))
	d := openDB(t, faulty)
	defer d.Close()

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(1, 100)))
	}))
	calls := faulty.Calls()

	err := commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(1, 100)))
	})
	assert.ErrorIs(t, err, types.ErrCollision)
	assert.False(t, types.Retryable(err))
	assert.Equal(t, calls, faulty.Calls(), "validation failures never reach the store")
}

func TestOpen_InitializesGlobalInfo(t *testing.T) {
	d := openDB(t, openBolt(t, t.TempDir()))
	defer d.Close()

	for _, typ := range types.GlobalInfoTypes {
		_, err := d.GetGlobalInfo(typ)
		assert.NoError(t, err, typ.String())
	}
	assert.Equal(t, types.EncryptionUnencrypted, d.EncryptionMode())
	assert.Equal(t, uint64(0), d.Generation())
}

func TestOpen_CorruptRecordEntersServiceMode(t *testing.T) {
	dir := t.TempDir()
	store := openBolt(t, dir)
	d := openDB(t, store)
	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(1, 100)))
	}))
	require.NoError(t, d.Close())

	db, err := bolt.Open(filepath.Join(dir, storage.DBFileName), 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("objects")).Put([]byte{0, 0, 0, 1}, []byte("{garbage"))
	}))
	require.NoError(t, db.Close())

	d = openDB(t, openBolt(t, dir))
	defer d.Close()
	assert.Equal(t, types.StateServiceMode, d.State())
	assert.Equal(t, types.ReasonSystemDBHeaderDataCorrupt, d.ServiceModeReason())

	_, err = d.Start(context.Background(), types.TransactionCreate, transaction.KindJob, 1)
	assert.ErrorIs(t, err, types.ErrServiceMode)
}

func TestOpen_DanglingEdgeOnDiskFailsValidation(t *testing.T) {
	dir := t.TempDir()
	store := openBolt(t, dir)
	orphan := edge(2, 0, 7)
	orphan.Header.State = types.EntryValid
	client := lun(2)
	client.Header.State = types.EntryValid
	require.NoError(t, store.WriteEntries(context.Background(), []tables.Entry{
		tables.ObjectEntry(client),
		tables.EdgeEntry(orphan),
	}))

	d := openDB(t, store)
	defer d.Close()
	assert.Equal(t, types.StateServiceMode, d.State())
	assert.Equal(t, types.ReasonDBValidationFailed, d.ServiceModeReason())
}

func TestQueryFacade(t *testing.T) {
	d := openDB(t, openBolt(t, t.TempDir()))
	defer d.Close()

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(1, 1<<30)))
		require.NoError(t, d.StageObject(id, types.EntryCreate, types.ObjectEntry{
			Header: types.Header{ObjectID: 2},
			Class:  types.ClassParity,
			Config: types.RaidGroupConfig{Class: types.ClassParity, Width: 3},
		}))
		require.NoError(t, d.StageObject(id, types.EntryCreate, lun(3)))
		require.NoError(t, d.StageUser(id, types.EntryCreate, types.UserEntry{
			Header: types.Header{ObjectID: 2}, Class: types.ClassParity, Number: 5,
		}))
		require.NoError(t, d.StageUser(id, types.EntryCreate, types.UserEntry{
			Header: types.Header{ObjectID: 3}, Class: types.ClassLUN, Number: 5, WWN: "60:06:01:60:aa",
		}))
		require.NoError(t, d.StageEdge(id, types.EntryCreate, edge(2, 0, 1)))
		require.NoError(t, d.StageEdge(id, types.EntryCreate, edge(3, 0, 2)))
	}))

	raid, err := d.LookupRaidByNumber(5)
	require.NoError(t, err)
	assert.Equal(t, types.ObjectID(2), raid)

	l, err := d.LookupLUNByNumber(5)
	require.NoError(t, err)
	assert.Equal(t, types.ObjectID(3), l)

	w, err := d.LookupByWWN("60:06:01:60:aa")
	require.NoError(t, err)
	assert.Equal(t, types.ObjectID(3), w)

	_, err = d.LookupLUNByNumber(6)
	assert.ErrorIs(t, err, types.ErrNotFound)

	bundle, err := d.GetTables(3)
	require.NoError(t, err)
	assert.Equal(t, types.ClassLUN, bundle.Object.Class)
	require.NotNil(t, bundle.User)
	assert.Equal(t, uint32(5), bundle.User.Number)
	require.Len(t, bundle.Edges, 1)
	assert.Equal(t, types.ObjectID(2), bundle.Edges[0].ServerID)
	assert.Nil(t, bundle.Spare)

	assert.Len(t, d.ListObjects(types.ClassParity), 1)
	assert.Len(t, d.ListObjects(types.ClassInvalid), 3)
	assert.Equal(t, 2, d.TableCounts()[types.TableUser])
}

func TestReadsDoNotBlockOnActiveTransaction(t *testing.T) {
	d := openDB(t, openBolt(t, t.TempDir()))
	defer d.Close()

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(1, 100)))
	}))

	id, err := d.Start(context.Background(), types.TransactionCreate, transaction.KindJob, 2)
	require.NoError(t, err)
	require.NoError(t, d.StageObject(id, types.EntryDestroy, pvd(1, 100)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, d.Tables().ObjectExists(1), "staged changes are invisible")
			assert.Equal(t, types.StateReady, d.State())
		}()
	}
	wg.Wait()
	require.NoError(t, d.Commit(context.Background(), id))
	assert.False(t, d.Tables().ObjectExists(1))
}

func TestGenerationAndSettings(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.SubscribeTypes(events.EventEncryptionChanged)

	d := openDB(t, openBolt(t, t.TempDir()), func(o *Options) { o.Broker = broker })
	defer d.Close()

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(1, 100)))
		next, err := d.NextGeneration(id)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), next)
	}))
	assert.Equal(t, uint64(1), d.Generation())

	require.NoError(t, d.SetEncryptionMode(context.Background(), types.EncryptionEncrypted))
	assert.Equal(t, types.EncryptionEncrypted, d.EncryptionMode())

	select {
	case ev := <-sub:
		assert.Equal(t, string(types.EncryptionEncrypted), ev.Message)
	case <-time.After(time.Second):
		t.Fatal("no encryption event")
	}

	require.NoError(t, d.SetPowerSave(context.Background(), types.PowerSaveInfo{Enabled: true, HibernateAfter: 60}))
	ps, err := d.PowerSave()
	require.NoError(t, err)
	assert.True(t, ps.Enabled)

	require.NoError(t, d.SetSpareTimer(context.Background(), 600))
	g, err := d.GetGlobalInfo(types.GlobalInfoSpare)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), g.Spare.PermanentSpareTrigger)
}

func TestObjectEvents(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	drives := broker.SubscribeFiltered(types.ClassProvisionDrive)

	d := openDB(t, openBolt(t, t.TempDir()), func(o *Options) { o.Broker = broker })
	defer d.Close()

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(1, 100)))
		require.NoError(t, d.StageObject(id, types.EntryCreate, lun(2)))
	}))

	select {
	case ev := <-drives:
		assert.Equal(t, events.EventObjectCreated, ev.Type)
		assert.Equal(t, types.ObjectID(1), ev.ObjectID)
	case <-time.After(time.Second):
		t.Fatal("no object event")
	}
}

type recordingReplicator struct {
	mu    sync.Mutex
	calls []bool
	err   error
}

func (r *recordingReplicator) Replicate(_ context.Context, _ types.TransactionID, _ []tables.Change, wait bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, wait)
	return r.err
}

func TestCommit_ReplicatesAndToleratesPeerTimeout(t *testing.T) {
	rep := &recordingReplicator{err: types.NewError(types.ErrPeerTimeout, "replicate", types.TableInvalid, types.InvalidObjectID, nil)}
	d := openDB(t, openBolt(t, t.TempDir()), func(o *Options) { o.Replicator = rep })
	defer d.Close()

	require.NoError(t, commit(t, d, func(id types.TransactionID) {
		require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(1, 100)))
	}))

	id, err := d.Start(context.Background(), types.TransactionRecovery, transaction.KindJob, 2)
	require.NoError(t, err)
	require.NoError(t, d.StageObject(id, types.EntryCreate, pvd(2, 100)))
	require.NoError(t, d.Commit(context.Background(), id), "peer timeout does not fail the local commit")

	assert.Equal(t, []bool{false, true}, rep.calls, "only recovery transactions wait for the peer")
	assert.True(t, d.Tables().ObjectExists(2))
}

func TestPersistIsIdempotent(t *testing.T) {
	store := openBolt(t, t.TempDir())
	defer store.Close()
	ctx := context.Background()

	o := pvd(1, 100)
	o.Header.State = types.EntryValid
	entries := []tables.Entry{tables.ObjectEntry(o)}
	require.NoError(t, store.WriteEntries(ctx, entries))
	once, err := store.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, store.WriteEntries(ctx, entries))
	twice, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, once.Entries, twice.Entries)
}
