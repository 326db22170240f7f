package tables

import (
	"sync"
	"testing"

	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pvd(id types.ObjectID) Entry {
	return ObjectEntry(types.ObjectEntry{
		Header: types.Header{ObjectID: id},
		Class:  types.ClassProvisionDrive,
		Config: types.ProvisionDriveConfig{Capacity: 1 << 30, SerialNumber: "SN"},
	})
}

func lun(id types.ObjectID) Entry {
	return ObjectEntry(types.ObjectEntry{
		Header: types.Header{ObjectID: id},
		Class:  types.ClassLUN,
		Config: types.LUNConfig{Capacity: 1 << 20},
	})
}

func lunUser(id types.ObjectID, number uint32, wwn string) Entry {
	return UserEntry(types.UserEntry{
		Header: types.Header{ObjectID: id},
		Class:  types.ClassLUN,
		Number: number,
		WWN:    wwn,
	})
}

func edge(client types.ObjectID, index uint32, server types.ObjectID) Entry {
	return EdgeEntry(types.EdgeEntry{
		Header:      types.Header{ObjectID: client},
		ServerID:    server,
		ClientIndex: index,
		Capacity:    1 << 20,
	})
}

func create(e Entry) Change  { return Change{Op: types.EntryCreate, Entry: e} }
func modify(e Entry) Change  { return Change{Op: types.EntryModify, Entry: e} }
func destroy(e Entry) Change { return Change{Op: types.EntryDestroy, Entry: e} }

func TestApplyCreateAndLookup(t *testing.T) {
	s := New(64)
	require.NoError(t, s.Apply([]Change{
		create(pvd(1)),
		create(lun(2)),
		create(lunUser(2, 7, "60:06:01:60")),
		create(edge(2, 0, 1)),
	}))

	obj, err := s.Object(1)
	require.NoError(t, err)
	assert.Equal(t, types.EntryValid, obj.Header.State)
	assert.Equal(t, types.ClassProvisionDrive, obj.Class)

	id, err := s.LookupByNumber(NumberLUN, 7)
	require.NoError(t, err)
	assert.Equal(t, types.ObjectID(2), id)

	id, err = s.LookupByWWN("60:06:01:60")
	require.NoError(t, err)
	assert.Equal(t, types.ObjectID(2), id)

	edges := s.Edges(2)
	require.Len(t, edges, 1)
	assert.Equal(t, types.ObjectID(1), edges[0].ServerID)
	assert.Equal(t, 1, s.ServerRefs(1))
	assert.Len(t, s.Clients(1), 1)

	counts := s.Counts()
	assert.Equal(t, 2, counts[types.TableObject])
	assert.Equal(t, 1, counts[types.TableUser])
	assert.Equal(t, 1, counts[types.TableEdge])
}

func TestApplyErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   []Change
		batch   []Change
		wantErr error
	}{
		{
			name:    "create over existing object",
			setup:   []Change{create(pvd(1))},
			batch:   []Change{create(pvd(1))},
			wantErr: types.ErrCollision,
		},
		{
			name:    "modify missing object",
			batch:   []Change{modify(pvd(3))},
			wantErr: types.ErrNotFound,
		},
		{
			name:    "destroy missing edge",
			batch:   []Change{destroy(edge(3, 0, 1))},
			wantErr: types.ErrNotFound,
		},
		{
			name:    "object id beyond capacity",
			batch:   []Change{create(pvd(64))},
			wantErr: types.ErrCapacityExceeded,
		},
		{
			name:    "client index beyond edge limit",
			batch:   []Change{create(edge(2, types.MaxEdgesPerObject, 1))},
			wantErr: types.ErrCapacityExceeded,
		},
		{
			name:    "duplicate user number",
			setup:   []Change{create(lun(2)), create(lunUser(2, 5, ""))},
			batch:   []Change{create(lun(3)), create(lunUser(3, 5, ""))},
			wantErr: types.ErrCollision,
		},
		{
			name:    "duplicate wwn inside one batch",
			batch:   []Change{create(lunUser(2, 1, "wwn-a")), create(lunUser(3, 2, "wwn-a"))},
			wantErr: types.ErrCollision,
		},
		{
			name: "payload does not match class",
			batch: []Change{create(ObjectEntry(types.ObjectEntry{
				Header: types.Header{ObjectID: 4},
				Class:  types.ClassLUN,
				Config: types.ProvisionDriveConfig{},
			}))},
			wantErr: types.ErrValidationFailed,
		},
		{
			name:    "staging op not allowed",
			batch:   []Change{{Op: types.EntryCorrupt, Entry: pvd(4)}},
			wantErr: types.ErrValidationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(64)
			require.NoError(t, s.Apply(tt.setup))
			before := s.Snapshot()

			err := s.Apply(tt.batch)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, before, s.Snapshot(), "failed batch must not change the tables")
		})
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	s := New(16)
	err := s.Apply([]Change{
		create(pvd(1)),
		create(pvd(2)),
		create(pvd(1)),
	})
	require.ErrorIs(t, err, types.ErrCollision)
	assert.False(t, s.ObjectExists(1))
	assert.False(t, s.ObjectExists(2))
}

func TestApplySeesEarlierChangesInBatch(t *testing.T) {
	s := New(16)
	require.NoError(t, s.Apply([]Change{
		create(lun(5)),
		create(lunUser(5, 9, "")),
		destroy(lunUser(5, 9, "")),
		destroy(lun(5)),
		create(lun(6)),
		create(lunUser(6, 9, "")),
	}))

	assert.False(t, s.ObjectExists(5))
	id, err := s.LookupByNumber(NumberLUN, 9)
	require.NoError(t, err)
	assert.Equal(t, types.ObjectID(6), id)
}

func TestDestroyFreesSlotAndIndexes(t *testing.T) {
	s := New(16)
	require.NoError(t, s.Apply([]Change{create(pvd(1)), create(lun(2)), create(lunUser(2, 3, "w")), create(edge(2, 0, 1))}))
	require.NoError(t, s.Apply([]Change{destroy(edge(2, 0, 1)), destroy(lunUser(2, 3, "w")), destroy(lun(2))}))

	_, err := s.Object(2)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.LookupByNumber(NumberLUN, 3)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.LookupByWWN("w")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, 0, s.ServerRefs(1))

	// the freed id can be reused
	require.NoError(t, s.Apply([]Change{create(lun(2))}))
}

func TestModifyKeepsEntryIDAndReindexes(t *testing.T) {
	s := New(16)
	u := lunUser(2, 3, "")
	u.User.Header.EntryID = 42
	require.NoError(t, s.Apply([]Change{create(u)}))

	require.NoError(t, s.Apply([]Change{modify(lunUser(2, 4, ""))}))
	got, err := s.User(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Header.EntryID)
	assert.Equal(t, uint32(4), got.Number)

	_, err = s.LookupByNumber(NumberLUN, 3)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestNumbersAreScopedBySpace(t *testing.T) {
	s := New(16)
	rg := UserEntry(types.UserEntry{Header: types.Header{ObjectID: 3}, Class: types.ClassParity, Number: 1})
	require.NoError(t, s.Apply([]Change{create(lunUser(2, 1, "")), create(rg)}))

	assert.Equal(t, []types.ObjectID{2}, s.Numbers(NumberLUN))
	assert.Equal(t, []types.ObjectID{3}, s.Numbers(NumberRaidGroup))

	none := lunUser(4, types.InvalidNumber, "")
	require.NoError(t, s.Apply([]Change{create(none)}))
	assert.Equal(t, []types.ObjectID{2}, s.Numbers(NumberLUN))
}

func TestGlobalInfo(t *testing.T) {
	s := New(4)
	var batch []Change
	for _, typ := range types.GlobalInfoTypes {
		batch = append(batch, create(GlobalInfoEntry(types.DefaultGlobalInfo(typ))))
	}
	require.NoError(t, s.Apply(batch))

	enc := types.DefaultGlobalInfo(types.GlobalInfoEncryption)
	enc.Encryption.Mode = types.EncryptionEncrypted
	require.NoError(t, s.Apply([]Change{modify(GlobalInfoEntry(enc))}))

	got, err := s.GlobalInfo(types.GlobalInfoEncryption)
	require.NoError(t, err)
	assert.Equal(t, types.EncryptionEncrypted, got.Encryption.Mode)

	// returned payloads are copies
	got.Encryption.Mode = types.EncryptionUnknown
	again, _ := s.GlobalInfo(types.GlobalInfoEncryption)
	assert.Equal(t, types.EncryptionEncrypted, again.Encryption.Mode)

	err = s.Apply([]Change{create(GlobalInfoEntry(types.DefaultGlobalInfo(types.GlobalInfoSpare)))})
	assert.ErrorIs(t, err, types.ErrCollision)
}

func TestIteratorSkipsEmptySlotsAndRestarts(t *testing.T) {
	s := New(32)
	require.NoError(t, s.Apply([]Change{create(pvd(3)), create(lun(10)), create(pvd(20))}))

	it := s.Enumerate(types.TableObject, func(e Entry) bool {
		return e.Object.Class == types.ClassProvisionDrive
	})
	var ids []types.ObjectID
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		ids = append(ids, e.ObjectID())
	}
	assert.Equal(t, []types.ObjectID{3, 20}, ids)

	_, ok := it.Next()
	assert.False(t, ok)

	it.Reset()
	assert.Len(t, it.All(), 2)
}

func TestIteratorSeesCommitsAheadOfCursor(t *testing.T) {
	s := New(32)
	require.NoError(t, s.Apply([]Change{create(pvd(1))}))

	it := s.Enumerate(types.TableObject, nil)
	first, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, types.ObjectID(1), first.ObjectID())

	require.NoError(t, s.Apply([]Change{create(pvd(0)), create(pvd(5))}))
	rest := it.All()
	require.Len(t, rest, 1)
	assert.Equal(t, types.ObjectID(5), rest[0].ObjectID())
}

func TestSnapshotReplace(t *testing.T) {
	src := New(16)
	require.NoError(t, src.Apply([]Change{
		create(pvd(1)), create(lun(2)), create(lunUser(2, 1, "w")), create(edge(2, 0, 1)),
		create(GlobalInfoEntry(types.DefaultGlobalInfo(types.GlobalInfoGeneration))),
	}))

	dst := New(16)
	require.NoError(t, dst.Apply([]Change{create(pvd(9))}))
	require.NoError(t, dst.Replace(src.Snapshot()))

	assert.Equal(t, src.Snapshot(), dst.Snapshot())
	assert.False(t, dst.ObjectExists(9))
	assert.Equal(t, 1, dst.ServerRefs(1))

	bad := append(src.Snapshot(), lunUser(3, 1, ""))
	err := dst.Replace(bad)
	assert.ErrorIs(t, err, types.ErrCollision)
	assert.Equal(t, src.Snapshot(), dst.Snapshot())
}

func TestConcurrentReadersDuringApply(t *testing.T) {
	s := New(128)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Counts()
				s.Enumerate(types.TableObject, nil).All()
			}
		}()
	}
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Apply([]Change{create(pvd(types.ObjectID(i)))}))
	}
	wg.Wait()
	assert.Equal(t, 100, s.Counts()[types.TableObject])
}

func TestCheckDoesNotMutate(t *testing.T) {
	s := New(16)
	require.NoError(t, s.Check([]Change{create(pvd(1))}))
	assert.False(t, s.ObjectExists(1))

	require.NoError(t, s.Apply([]Change{create(pvd(1))}))
	err := s.Check([]Change{create(pvd(1))})
	assert.ErrorIs(t, err, types.ErrCollision)
}

func TestLookupByKey(t *testing.T) {
	s := New(16)
	require.NoError(t, s.Apply([]Change{create(pvd(1)), create(lun(2)), create(edge(2, 3, 1))}))

	e, ok := s.Lookup(Key{Table: types.TableEdge, ObjectID: 2, ClientIndex: 3})
	require.True(t, ok)
	assert.Equal(t, types.ObjectID(1), e.Edge.ServerID)

	_, ok = s.Lookup(Key{Table: types.TableEdge, ObjectID: 2, ClientIndex: 4})
	assert.False(t, ok)

	_, ok = s.Lookup(Key{Table: types.TableGlobalInfo, ObjectID: types.InvalidObjectID, InfoType: types.GlobalInfoPowerSave})
	assert.False(t, ok)
}
