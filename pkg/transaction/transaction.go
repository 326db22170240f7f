package transaction

import (
	"fmt"
	"time"

	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/types"
)

// Kind selects the staging limits of a transaction
type Kind int

const (
	// KindJob is an ordinary configuration job
	KindJob Kind = iota
	// KindRaidGroupCreate creates a raid group with its virtual drives and edges
	KindRaidGroupCreate
	// KindPoolCreate creates provision drives or an extent pool
	KindPoolCreate
)

func (k Kind) String() string {
	switch k {
	case KindRaidGroupCreate:
		return "raid_group_create"
	case KindPoolCreate:
		return "pool_create"
	default:
		return "job"
	}
}

// ParseKind is the inverse of Kind.String
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindJob, KindRaidGroupCreate, KindPoolCreate} {
		if k.String() == s {
			return k, nil
		}
	}
	return KindJob, fmt.Errorf("unknown transaction kind %q", s)
}

// Limits bounds the number of staged entries per table
type Limits struct {
	Objects    int
	Users      int
	Edges      int
	GlobalInfo int
	Spares     int
}

// Limits returns the staging limits for k
func (k Kind) Limits() Limits {
	switch k {
	case KindRaidGroupCreate:
		return Limits{
			Objects:    types.MaxRaidGroupCreateObjectEntries,
			Users:      types.MaxRaidGroupCreateUserEntries,
			Edges:      types.MaxRaidGroupCreateEdgeEntries,
			GlobalInfo: types.MaxTransactionGlobalInfo,
			Spares:     types.MaxEdgesPerObject,
		}
	case KindPoolCreate:
		return Limits{
			Objects:    types.MaxPoolEntries,
			Users:      types.MaxPoolEntries,
			Edges:      0,
			GlobalInfo: types.MaxTransactionGlobalInfo,
			Spares:     types.MaxEdgesPerObject,
		}
	default:
		return Limits{
			Objects:    types.MaxCreateObjectsPerJob,
			Users:      types.MaxCreateObjectsPerJob,
			Edges:      types.MaxRaidGroupCreateEdgeEntries,
			GlobalInfo: types.MaxTransactionGlobalInfo,
			Spares:     types.MaxEdgesPerObject,
		}
	}
}

func (l Limits) of(t types.TableType) int {
	switch t {
	case types.TableObject:
		return l.Objects
	case types.TableUser:
		return l.Users
	case types.TableEdge:
		return l.Edges
	case types.TableGlobalInfo:
		return l.GlobalInfo
	case types.TableSystemSpare:
		return l.Spares
	}
	return 0
}

// Transaction is the working set of the single in-flight configuration change
type Transaction struct {
	ID        types.TransactionID    `json:"id"`
	Type      types.TransactionType  `json:"type"`
	Kind      Kind                   `json:"kind"`
	JobNumber uint64                 `json:"job_number"`
	State     types.TransactionState `json:"state"`
	StartedAt time.Time              `json:"started_at"`

	// Changes are kept in staging order
	Changes []tables.Change `json:"changes"`

	counts map[types.TableType]int
}

// Count returns how many entries are staged for table t
func (t *Transaction) Count(table types.TableType) int {
	return t.counts[table]
}

// Copy returns a copy whose change list can be handed out safely
func (t *Transaction) Copy() Transaction {
	out := *t
	out.Changes = make([]tables.Change, len(t.Changes))
	for i, c := range t.Changes {
		out.Changes[i] = tables.Change{Op: c.Op, Entry: c.Entry.Clone()}
	}
	out.counts = make(map[types.TableType]int, len(t.counts))
	for k, v := range t.counts {
		out.counts[k] = v
	}
	return out
}

// ObjectIDs returns every object id touched by the transaction, in staging order
func (t *Transaction) ObjectIDs() []types.ObjectID {
	seen := make(map[types.ObjectID]bool)
	var ids []types.ObjectID
	for _, c := range t.Changes {
		id := c.Entry.ObjectID()
		if !id.Valid() || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
