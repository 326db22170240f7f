package transaction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(Options{StartTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond})
}

func pvdObject(id types.ObjectID) types.ObjectEntry {
	return types.ObjectEntry{
		Header: types.Header{ObjectID: id},
		Class:  types.ClassProvisionDrive,
		Config: types.ProvisionDriveConfig{Capacity: 1 << 30},
	}
}

func TestStartWhileActiveFails(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	a, err := m.Start(ctx, types.TransactionCreate, KindJob, 1)
	require.NoError(t, err)
	assert.NotEqual(t, types.InvalidTransactionID, a)

	start := time.Now()
	_, err = m.Start(ctx, types.TransactionCreate, KindJob, 2)
	assert.ErrorIs(t, err, types.ErrAlreadyActive)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "start should wait before giving up")

	_, err = m.TryStart(types.TransactionCreate, KindJob, 3)
	assert.ErrorIs(t, err, types.ErrAlreadyActive)
}

func TestStartWaitsForRelease(t *testing.T) {
	m := NewManager(Options{StartTimeout: time.Second, PollInterval: time.Second})
	ctx := context.Background()

	a, err := m.Start(ctx, types.TransactionCreate, KindJob, 1)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.Abort(a)
	}()

	start := time.Now()
	b, err := m.Start(ctx, types.TransactionCreate, KindJob, 2)
	require.NoError(t, err)
	assert.Greater(t, b, a)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "release should wake the waiter before the poll interval")
}

func TestStartHonoursContext(t *testing.T) {
	m := NewManager(Options{StartTimeout: time.Second})
	_, err := m.Start(context.Background(), types.TransactionCreate, KindJob, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Start(ctx, types.TransactionCreate, KindJob, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartHookFailureReleasesSlot(t *testing.T) {
	refuse := true
	m := NewManager(Options{
		StartTimeout: 10 * time.Millisecond,
		OnStart: func(ctx context.Context, txn Transaction) error {
			if refuse {
				return errors.New("peer refused")
			}
			return nil
		},
	})

	_, err := m.Start(context.Background(), types.TransactionCreate, KindJob, 1)
	require.Error(t, err)
	_, ok := m.Current()
	assert.False(t, ok)

	refuse = false
	_, err = m.Start(context.Background(), types.TransactionCreate, KindJob, 1)
	assert.NoError(t, err)
}

func TestStagingLimits(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		table types.TableType
		limit int
	}{
		{"job objects", KindJob, types.TableObject, types.MaxCreateObjectsPerJob},
		{"raid group users", KindRaidGroupCreate, types.TableUser, types.MaxRaidGroupCreateUserEntries},
		{"raid group objects", KindRaidGroupCreate, types.TableObject, types.MaxRaidGroupCreateObjectEntries},
		{"pool objects", KindPoolCreate, types.TableObject, types.MaxPoolEntries},
		{"pool edges", KindPoolCreate, types.TableEdge, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			id, err := m.Start(context.Background(), types.TransactionCreate, tt.kind, 1)
			require.NoError(t, err)

			stage := func(i int) error {
				oid := types.ObjectID(i)
				switch tt.table {
				case types.TableUser:
					return m.StageUser(id, types.EntryCreate, types.UserEntry{Header: types.Header{ObjectID: oid}, Class: types.ClassParity, Number: uint32(i)})
				case types.TableEdge:
					return m.StageEdge(id, types.EntryCreate, types.EdgeEntry{Header: types.Header{ObjectID: oid}, ServerID: 1})
				default:
					return m.StageObject(id, types.EntryCreate, pvdObject(oid))
				}
			}
			for i := 0; i < tt.limit; i++ {
				require.NoError(t, stage(i))
			}
			assert.ErrorIs(t, stage(tt.limit), types.ErrCapacityExceeded)

			txn, err := m.Get(id)
			require.NoError(t, err)
			assert.Equal(t, tt.limit, txn.Count(tt.table))
		})
	}
}

func TestGlobalInfoLimitOfOne(t *testing.T) {
	m := newTestManager()
	id, err := m.Start(context.Background(), types.TransactionCreate, KindJob, 1)
	require.NoError(t, err)

	next, err := m.NextGeneration(id, 41)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), next)

	err = m.StageGlobalInfo(id, types.EntryModify, types.DefaultGlobalInfo(types.GlobalInfoPowerSave))
	assert.ErrorIs(t, err, types.ErrCapacityExceeded)
}

func TestStageRejectsBadInput(t *testing.T) {
	m := newTestManager()
	id, err := m.Start(context.Background(), types.TransactionCreate, KindJob, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, m.StageObject(id, types.EntryValid, pvdObject(1)), types.ErrValidationFailed)
	assert.ErrorIs(t, m.StageObject(id, types.EntryCreate, types.ObjectEntry{
		Header: types.Header{ObjectID: 1}, Class: types.ClassLUN, Config: types.ProvisionDriveConfig{},
	}), types.ErrValidationFailed)
	assert.ErrorIs(t, m.StageEdge(id, types.EntryCreate, types.EdgeEntry{
		Header: types.Header{ObjectID: types.InvalidObjectID}, ServerID: 1,
	}), types.ErrValidationFailed)
	assert.ErrorIs(t, m.StageObject(id+1, types.EntryCreate, pvdObject(1)), types.ErrNotFound)
}

func TestStagePreservesOrderAndMarksState(t *testing.T) {
	m := newTestManager()
	id, err := m.Start(context.Background(), types.TransactionCreate, KindJob, 7)
	require.NoError(t, err)

	require.NoError(t, m.StageObject(id, types.EntryCreate, pvdObject(4)))
	require.NoError(t, m.StageObject(id, types.EntryDestroy, pvdObject(4)))
	require.NoError(t, m.StageObject(id, types.EntryCreate, pvdObject(2)))

	txn, err := m.Get(id)
	require.NoError(t, err)
	require.Len(t, txn.Changes, 3)
	assert.Equal(t, types.EntryCreate, txn.Changes[0].Op)
	assert.Equal(t, types.EntryDestroy, txn.Changes[1].Entry.Header().State)
	assert.Equal(t, []types.ObjectID{4, 2}, txn.ObjectIDs())
	assert.Equal(t, uint64(7), txn.JobNumber)
}

func TestStateMachine(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	id, err := m.Start(ctx, types.TransactionCreate, KindJob, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Finish(id), types.ErrInvalidState, "finish requires commit or rollback")
	_, err = m.Begin(id, types.TransactionActive)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	txn, err := m.Begin(id, types.TransactionCommit)
	require.NoError(t, err)
	assert.Equal(t, types.TransactionCommit, txn.State)

	assert.ErrorIs(t, m.Abort(id), types.ErrInvalidState, "abort is legal from active only")
	assert.ErrorIs(t, m.StageObject(id, types.EntryCreate, pvdObject(1)), types.ErrInvalidState)
	_, err = m.TryStart(types.TransactionCreate, KindJob, 2)
	assert.ErrorIs(t, err, types.ErrAlreadyActive, "commit still holds the slot")

	require.NoError(t, m.Finish(id))
	_, ok := m.Current()
	assert.False(t, ok)

	id2, err := m.TryStart(types.TransactionRecovery, KindJob, 2)
	require.NoError(t, err)
	_, err = m.Begin(id2, types.TransactionRollback)
	require.NoError(t, err)
	require.NoError(t, m.Finish(id2))
}

func TestSingleWriterUnderContention(t *testing.T) {
	m := NewManager(Options{StartTimeout: 2 * time.Second, PollInterval: time.Millisecond})
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(job uint64) {
			defer wg.Done()
			id, err := m.Start(context.Background(), types.TransactionCreate, KindJob, job)
			if err != nil {
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			if _, err := m.Begin(id, types.TransactionCommit); err == nil {
				_ = m.Finish(id)
			}
		}(uint64(w))
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
}

func TestCopyIsIndependent(t *testing.T) {
	m := newTestManager()
	id, err := m.Start(context.Background(), types.TransactionCreate, KindJob, 1)
	require.NoError(t, err)
	require.NoError(t, m.StageObject(id, types.EntryCreate, pvdObject(3)))

	txn, err := m.Get(id)
	require.NoError(t, err)
	txn.Changes[0].Entry.Object.Class = types.ClassLUN

	again, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.ClassProvisionDrive, again.Changes[0].Entry.Object.Class)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("pool_create")
	require.NoError(t, err)
	assert.Equal(t, KindPoolCreate, k)
	_, err = ParseKind("bogus")
	assert.Error(t, err)
}
