package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// DBFileName is the bolt file created under the data directory
const DBFileName = "raidcfg.db"

var (
	// Bucket names
	bucketObjects    = []byte("objects")
	bucketUsers      = []byte("users")
	bucketEdges      = []byte("edges")
	bucketGlobalInfo = []byte("global_info")
	bucketSpares     = []byte("system_spares")
	bucketMeta       = []byte("meta")

	keySchemaVersion = []byte("schema_version")
)

func bucketFor(t types.TableType) []byte {
	switch t {
	case types.TableObject:
		return bucketObjects
	case types.TableUser:
		return bucketUsers
	case types.TableEdge:
		return bucketEdges
	case types.TableGlobalInfo:
		return bucketGlobalInfo
	case types.TableSystemSpare:
		return bucketSpares
	}
	return nil
}

// record is the stored value: the JSON row plus its checksum
type record struct {
	Sum  uint64          `json:"sum"`
	Data json.RawMessage `json:"data"`
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens or creates the store under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return OpenBoltStore(filepath.Join(dataDir, DBFileName), false)
}

// OpenBoltStore opens the bolt file at path. A read-only store never creates buckets.
func OpenBoltStore(path string, readOnly bool) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if readOnly {
		return &BoltStore{db: db, path: path}, nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketObjects,
			bucketUsers,
			bucketEdges,
			bucketGlobalInfo,
			bucketSpares,
			bucketMeta,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(keySchemaVersion) == nil {
			return meta.Put(keySchemaVersion, encodeUint32(SchemaVersion))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: path}, nil
}

// Path returns the bolt file path
func (s *BoltStore) Path() string {
	return s.path
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Persist writes and deletes a batch inside one bolt transaction
func (s *BoltStore) Persist(ctx context.Context, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putEntries(tx, batch.Writes); err != nil {
			return err
		}
		return deleteKeys(tx, batch.Deletes)
	})
}

// WriteEntries upserts rows in one bolt transaction
func (s *BoltStore) WriteEntries(ctx context.Context, entries []tables.Entry) error {
	return s.Persist(ctx, Batch{Writes: entries})
}

// DeleteEntries removes rows in one bolt transaction
func (s *BoltStore) DeleteEntries(ctx context.Context, keys []tables.Key) error {
	return s.Persist(ctx, Batch{Deletes: keys})
}

func putEntries(tx *bolt.Tx, entries []tables.Entry) error {
	for _, e := range entries {
		if err := e.ValidatePayload(); err != nil {
			return err
		}
		k := e.Key()
		b := tx.Bucket(bucketFor(k.Table))
		if b == nil {
			return fmt.Errorf("no bucket for table %s", k.Table)
		}
		data, err := encodeRecord(e)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", k, err)
		}
		if err := b.Put(encodeKey(k), data); err != nil {
			return fmt.Errorf("failed to write %s: %w", k, err)
		}
	}
	return nil
}

func deleteKeys(tx *bolt.Tx, keys []tables.Key) error {
	for _, k := range keys {
		b := tx.Bucket(bucketFor(k.Table))
		if b == nil {
			return fmt.Errorf("no bucket for table %s", k.Table)
		}
		if err := b.Delete(encodeKey(k)); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return nil
}

// Load reads every row. The first record that fails its checksum or does not
// decode aborts the load with a types.ErrCorrupt error.
func (s *BoltStore) Load(ctx context.Context) (*Image, error) {
	img := &Image{}
	err := s.db.View(func(tx *bolt.Tx) error {
		version, err := readVersion(tx)
		if err != nil {
			return err
		}
		img.Version = version
		return scan(ctx, tx, func(e tables.Entry, bad *CorruptRecord) error {
			if bad != nil {
				return bad.Err()
			}
			img.Entries = append(img.Entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// CorruptRecord describes a stored row that failed verification
type CorruptRecord struct {
	Table  types.TableType
	Key    []byte
	Reason string
}

// Err converts the record into the error returned by Load
func (c *CorruptRecord) Err() error {
	id := types.InvalidObjectID
	if len(c.Key) >= 4 && c.Table != types.TableGlobalInfo {
		id = types.ObjectID(binary.BigEndian.Uint32(c.Key[:4]))
	}
	return &types.DBError{
		Kind:     types.ErrCorrupt,
		Op:       "load",
		Table:    c.Table,
		ObjectID: id,
		Reason:   types.ReasonSystemDBHeaderDataCorrupt,
		Err:      fmt.Errorf("key %x: %s", c.Key, c.Reason),
	}
}

// Verify walks the whole file and reports every corrupt record instead of stopping at the first
func (s *BoltStore) Verify(ctx context.Context) (int, []CorruptRecord, error) {
	var good int
	var bad []CorruptRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := readVersion(tx); err != nil {
			return err
		}
		return scan(ctx, tx, func(e tables.Entry, c *CorruptRecord) error {
			if c != nil {
				bad = append(bad, *c)
			} else {
				good++
			}
			return nil
		})
	})
	return good, bad, err
}

func readVersion(tx *bolt.Tx) (uint32, error) {
	meta := tx.Bucket(bucketMeta)
	if meta == nil {
		return 0, &types.DBError{Kind: types.ErrCorrupt, Op: "load", ObjectID: types.InvalidObjectID,
			Reason: types.ReasonSystemDBHeaderIOError, Err: fmt.Errorf("missing meta bucket")}
	}
	raw := meta.Get(keySchemaVersion)
	if len(raw) != 4 {
		return 0, &types.DBError{Kind: types.ErrCorrupt, Op: "load", ObjectID: types.InvalidObjectID,
			Reason: types.ReasonSystemDBHeaderDataCorrupt, Err: fmt.Errorf("bad schema version record")}
	}
	version := binary.BigEndian.Uint32(raw)
	if version > SchemaVersion {
		return version, &types.DBError{Kind: types.ErrCorrupt, Op: "load", ObjectID: types.InvalidObjectID,
			Reason: types.ReasonProblematicDatabaseVersion,
			Err:    fmt.Errorf("schema version %d is newer than %d", version, SchemaVersion)}
	}
	return version, nil
}

func scan(ctx context.Context, tx *bolt.Tx, fn func(tables.Entry, *CorruptRecord) error) error {
	for _, t := range types.LockOrder {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := tx.Bucket(bucketFor(t))
		if b == nil {
			continue
		}
		table := t
		err := b.ForEach(func(k, v []byte) error {
			e, reason := decodeRecord(table, k, v)
			if reason != "" {
				key := append([]byte(nil), k...)
				return fn(tables.Entry{}, &CorruptRecord{Table: table, Key: key, Reason: reason})
			}
			return fn(e, nil)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func encodeRecord(e tables.Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(record{Sum: xxhash.Sum64(data), Data: data})
}

// decodeRecord returns the row stored under k, or a non-empty reason when it is corrupt
func decodeRecord(table types.TableType, k, v []byte) (tables.Entry, string) {
	var rec record
	if err := json.Unmarshal(v, &rec); err != nil {
		return tables.Entry{}, "unreadable record: " + err.Error()
	}
	if xxhash.Sum64(rec.Data) != rec.Sum {
		return tables.Entry{}, "checksum mismatch"
	}
	var e tables.Entry
	if err := json.Unmarshal(rec.Data, &e); err != nil {
		return tables.Entry{}, "undecodable row: " + err.Error()
	}
	if e.Table != table {
		return tables.Entry{}, fmt.Sprintf("%s row stored in %s bucket", e.Table, table)
	}
	if err := e.ValidatePayload(); err != nil {
		return tables.Entry{}, err.Error()
	}
	if string(encodeKey(e.Key())) != string(k) {
		return tables.Entry{}, "row does not match its key"
	}
	return e, ""
}

// encodeKey lays keys out big-endian so bolt iterates in object id order
func encodeKey(k tables.Key) []byte {
	switch k.Table {
	case types.TableEdge:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint32(buf[:4], uint32(k.ObjectID))
		binary.BigEndian.PutUint32(buf[4:], k.ClientIndex)
		return buf
	case types.TableGlobalInfo:
		return encodeUint32(uint32(k.InfoType))
	default:
		return encodeUint32(uint32(k.ObjectID))
	}
}

func encodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}
