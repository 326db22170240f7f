package storage

import (
	"context"

	"github.com/cuemby/raidcfg/pkg/tables"
)

// SchemaVersion is the on-disk layout written by this build
const SchemaVersion uint32 = 1

// Batch is the durable effect of one committed transaction
type Batch struct {
	Writes  []tables.Entry
	Deletes []tables.Key
}

// Empty reports whether the batch changes nothing
func (b Batch) Empty() bool {
	return len(b.Writes) == 0 && len(b.Deletes) == 0
}

// Image is the content of the store as read at startup
type Image struct {
	Version uint32
	Entries []tables.Entry
}

// Store persists configuration table rows. Every call is atomic and
// idempotent: repeating a call with the same arguments leaves the same content.
type Store interface {
	// Persist writes and deletes a whole batch in one durable step
	Persist(ctx context.Context, batch Batch) error

	// WriteEntries upserts rows
	WriteEntries(ctx context.Context, entries []tables.Entry) error

	// DeleteEntries removes rows; missing rows are ignored
	DeleteEntries(ctx context.Context, keys []tables.Key) error

	// Load reads every row, failing with types.ErrCorrupt on the first bad record
	Load(ctx context.Context) (*Image, error)

	Close() error
}
