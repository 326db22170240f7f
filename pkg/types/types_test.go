package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectEntryPayloadKeepsClass(t *testing.T) {
	tests := []struct {
		name  string
		entry ObjectEntry
	}{
		{
			name: "provision drive",
			entry: ObjectEntry{
				Header: Header{State: EntryValid, ObjectID: 5},
				Class:  ClassProvisionDrive,
				Config: ProvisionDriveConfig{Capacity: 1 << 30, SerialNumber: "Z1X2"},
			},
		},
		{
			name: "parity raid group",
			entry: ObjectEntry{
				Header: Header{State: EntryValid, ObjectID: 7},
				Class:  ClassParity,
				Config: RaidGroupConfig{Class: ClassParity, Width: 5, RaidType: "raid5"},
			},
		},
		{
			name: "metadata lun",
			entry: ObjectEntry{
				Header: Header{State: EntryValid, ObjectID: 9},
				Class:  ClassExtentPoolMetadataLUN,
				Config: ExtentPoolLUNConfig{Class: ClassExtentPoolMetadataLUN, PoolID: 2},
			},
		},
		{
			name: "bvd interface without payload",
			entry: ObjectEntry{
				Header: Header{State: EntryValid, ObjectID: 11},
				Class:  ClassBVDInterface,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.entry)
			require.NoError(t, err)

			var got ObjectEntry
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, tt.entry, got)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestObjectEntryValidateClassMismatch(t *testing.T) {
	e := ObjectEntry{
		Header: Header{ObjectID: 3},
		Class:  ClassLUN,
		Config: ProvisionDriveConfig{},
	}
	err := e.Validate()
	assert.ErrorIs(t, err, ErrValidationFailed)

	e = ObjectEntry{Header: Header{ObjectID: InvalidObjectID}, Class: ClassLUN}
	assert.ErrorIs(t, e.Validate(), ErrValidationFailed)
}

func TestEntryStateTransitions(t *testing.T) {
	assert.True(t, EntryInvalid.CanTransition(EntryCreate))
	assert.True(t, EntryCreate.CanTransition(EntryValid))
	assert.True(t, EntryValid.CanTransition(EntryModify))
	assert.True(t, EntryValid.CanTransition(EntryDestroy))
	assert.True(t, EntryDestroy.CanTransition(EntryInvalid))
	assert.True(t, EntryValid.CanTransition(EntryCorrupt))

	assert.False(t, EntryInvalid.CanTransition(EntryValid))
	assert.False(t, EntryValid.CanTransition(EntryCreate))
	assert.False(t, EntryCorrupt.CanTransition(EntryValid))
	assert.False(t, EntryDestroy.CanTransition(EntryValid))
}

func TestDBErrorMatchesKind(t *testing.T) {
	err := NewError(ErrCollision, "commit", TableObject, 5, nil)
	wrapped := fmt.Errorf("job 12: %w", err)

	assert.True(t, errors.Is(wrapped, ErrCollision))
	assert.False(t, errors.Is(wrapped, ErrNotFound))
	assert.Contains(t, err.Error(), "object 0x5")
	assert.False(t, Retryable(wrapped))

	corrupt := &DBError{Kind: ErrCorrupt, Op: "load", Reason: ReasonSystemDBHeaderDataCorrupt}
	assert.Equal(t, ReasonSystemDBHeaderDataCorrupt, ReasonOf(fmt.Errorf("open: %w", corrupt)))
	assert.Equal(t, ReasonNone, ReasonOf(errors.New("plain")))
}

func TestGlobalInfoDefaults(t *testing.T) {
	for _, typ := range GlobalInfoTypes {
		e := DefaultGlobalInfo(typ)
		assert.NoError(t, e.Validate(), typ.String())
		assert.Equal(t, EntryValid, e.Header.State)
	}

	bad := GlobalInfoEntry{Type: GlobalInfoEncryption}
	assert.ErrorIs(t, bad.Validate(), ErrValidationFailed)
}

func TestParseClassID(t *testing.T) {
	c, err := ParseClassID("parity")
	require.NoError(t, err)
	assert.Equal(t, ClassParity, c)
	assert.True(t, c.IsRaid())

	_, err = ParseClassID("tape")
	assert.Error(t, err)
}
