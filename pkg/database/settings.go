package database

import (
	"context"

	"github.com/cuemby/raidcfg/pkg/transaction"
	"github.com/cuemby/raidcfg/pkg/types"
)

// SetPowerSave replaces the system power saving policy in its own transaction
func (d *Database) SetPowerSave(ctx context.Context, info types.PowerSaveInfo) error {
	return d.updateGlobalInfo(ctx, types.GlobalInfoEntry{Type: types.GlobalInfoPowerSave, PowerSave: &info})
}

// SetEncryptionMode changes the system encryption mode, keeping its flags
func (d *Database) SetEncryptionMode(ctx context.Context, mode types.EncryptionMode) error {
	info := types.EncryptionInfo{Mode: mode}
	if cur, err := d.tables.GlobalInfo(types.GlobalInfoEncryption); err == nil && cur.Encryption != nil {
		info.Flags = cur.Encryption.Flags
	}
	return d.updateGlobalInfo(ctx, types.GlobalInfoEntry{Type: types.GlobalInfoEncryption, Encryption: &info})
}

// SetSpareTimer sets how long a failed drive waits before a permanent spare swaps in
func (d *Database) SetSpareTimer(ctx context.Context, seconds uint64) error {
	return d.updateGlobalInfo(ctx, types.GlobalInfoEntry{
		Type:  types.GlobalInfoSpare,
		Spare: &types.SpareInfo{PermanentSpareTrigger: seconds},
	})
}

// SetTimeThreshold sets the drive removal time threshold
func (d *Database) SetTimeThreshold(ctx context.Context, minutes uint64) error {
	return d.updateGlobalInfo(ctx, types.GlobalInfoEntry{
		Type:          types.GlobalInfoTimeThreshold,
		TimeThreshold: &types.TimeThresholdInfo{Minutes: minutes},
	})
}

func (d *Database) updateGlobalInfo(ctx context.Context, g types.GlobalInfoEntry) error {
	g.Header.ObjectID = types.InvalidObjectID
	id, err := d.Start(ctx, types.TransactionCreate, transaction.KindJob, 0)
	if err != nil {
		return err
	}
	if err := d.StageGlobalInfo(id, types.EntryModify, g); err != nil {
		_ = d.Abort(id)
		return err
	}
	return d.Commit(ctx, id)
}
