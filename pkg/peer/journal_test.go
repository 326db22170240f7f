package peer

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func objectChange(id types.ObjectID) []tables.Change {
	return []tables.Change{{
		Op: types.EntryCreate,
		Entry: tables.ObjectEntry(types.ObjectEntry{
			Header: types.Header{ObjectID: id},
			Class:  types.ClassLUN,
			Config: types.LUNConfig{Capacity: 1 << 20},
		}),
	}}
}

func memJournal() *Journal {
	store := raft.NewInmemStore()
	return NewJournal(store, store)
}

func TestJournal_AppendAndGet(t *testing.T) {
	j := memJournal()

	seq1, err := j.Append(7, objectChange(1))
	require.NoError(t, err)
	seq2, err := j.Append(8, objectChange(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)

	u, err := j.Get(2)
	require.NoError(t, err)
	assert.Equal(t, types.TransactionID(8), u.TransactionID)
	require.Len(t, u.Changes, 1)
	assert.Equal(t, types.ObjectID(2), u.Changes[0].Entry.Object.Header.ObjectID)
	assert.Equal(t, types.LUNConfig{Capacity: 1 << 20}, u.Changes[0].Entry.Object.Config)
	assert.Equal(t, uint64(2), j.Pending())
}

func TestJournal_AckTrims(t *testing.T) {
	j := memJournal()
	for i := 1; i <= 3; i++ {
		_, err := j.Append(types.TransactionID(i), objectChange(types.ObjectID(i)))
		require.NoError(t, err)
	}

	require.NoError(t, j.Ack(2))
	assert.Equal(t, uint64(1), j.Pending())
	_, err := j.Get(1)
	assert.Error(t, err, "acknowledged updates are trimmed")
	_, err = j.Get(3)
	assert.NoError(t, err)

	require.NoError(t, j.Ack(1), "stale ack is ignored")
	acked, err := j.Acked()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), acked)
}

func TestJournal_SequenceContinuesAfterFullTrim(t *testing.T) {
	j := memJournal()
	_, err := j.Append(1, objectChange(1))
	require.NoError(t, err)
	require.NoError(t, j.Ack(1))
	assert.Zero(t, j.Pending())

	seq, err := j.Append(2, objectChange(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestJournal_AckAheadOfLog(t *testing.T) {
	j := memJournal()
	require.NoError(t, j.Ack(40))

	last, err := j.Last()
	require.NoError(t, err)
	assert.Equal(t, uint64(40), last)
	seq, err := j.Append(1, objectChange(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(41), seq)
}

func TestJournal_BoltSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := OpenJournal(path)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := j.Append(types.TransactionID(i), objectChange(types.ObjectID(i)))
		require.NoError(t, err)
	}
	require.NoError(t, j.Ack(1))
	require.NoError(t, j.Close())

	j, err = OpenJournal(path)
	require.NoError(t, err)
	defer j.Close()

	acked, err := j.Acked()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acked)
	assert.Equal(t, uint64(2), j.Pending())

	seq, err := j.Append(4, objectChange(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}
