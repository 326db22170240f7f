package tables

import (
	"fmt"

	"github.com/cuemby/raidcfg/pkg/types"
)

// Entry is a row of any table. Exactly one payload pointer is set, matching Table.
type Entry struct {
	Table      types.TableType         `json:"table"`
	Object     *types.ObjectEntry      `json:"object,omitempty"`
	User       *types.UserEntry        `json:"user,omitempty"`
	Edge       *types.EdgeEntry        `json:"edge,omitempty"`
	GlobalInfo *types.GlobalInfoEntry  `json:"global_info,omitempty"`
	Spare      *types.SystemSpareEntry `json:"spare,omitempty"`
}

// Header returns the header of the payload
func (e Entry) Header() types.Header {
	switch e.Table {
	case types.TableObject:
		if e.Object != nil {
			return e.Object.Header
		}
	case types.TableUser:
		if e.User != nil {
			return e.User.Header
		}
	case types.TableEdge:
		if e.Edge != nil {
			return e.Edge.Header
		}
	case types.TableGlobalInfo:
		if e.GlobalInfo != nil {
			return e.GlobalInfo.Header
		}
	case types.TableSystemSpare:
		if e.Spare != nil {
			return e.Spare.Header
		}
	}
	return types.Header{ObjectID: types.InvalidObjectID}
}

// ObjectID returns the owning object id, InvalidObjectID for global info
func (e Entry) ObjectID() types.ObjectID {
	return e.Header().ObjectID
}

// SetHeader replaces the header of the payload in place
func (e Entry) SetHeader(h types.Header) {
	switch e.Table {
	case types.TableObject:
		e.Object.Header = h
	case types.TableUser:
		e.User.Header = h
	case types.TableEdge:
		e.Edge.Header = h
	case types.TableGlobalInfo:
		e.GlobalInfo.Header = h
	case types.TableSystemSpare:
		e.Spare.Header = h
	}
}

// Clone returns a deep enough copy that mutating the result never touches e
func (e Entry) Clone() Entry {
	out := Entry{Table: e.Table}
	if e.Object != nil {
		o := *e.Object
		out.Object = &o
	}
	if e.User != nil {
		u := *e.User
		out.User = &u
	}
	if e.Edge != nil {
		ed := *e.Edge
		out.Edge = &ed
	}
	if e.GlobalInfo != nil {
		g := cloneGlobalInfo(*e.GlobalInfo)
		out.GlobalInfo = &g
	}
	if e.Spare != nil {
		s := *e.Spare
		out.Spare = &s
	}
	return out
}

func cloneGlobalInfo(g types.GlobalInfoEntry) types.GlobalInfoEntry {
	if g.PowerSave != nil {
		v := *g.PowerSave
		g.PowerSave = &v
	}
	if g.Spare != nil {
		v := *g.Spare
		g.Spare = &v
	}
	if g.Generation != nil {
		v := *g.Generation
		g.Generation = &v
	}
	if g.TimeThreshold != nil {
		v := *g.TimeThreshold
		g.TimeThreshold = &v
	}
	if g.Encryption != nil {
		v := *g.Encryption
		g.Encryption = &v
	}
	if g.PVDConfig != nil {
		v := *g.PVDConfig
		g.PVDConfig = &v
	}
	return g
}

// Key identifies a slot in a table
type Key struct {
	Table       types.TableType      `json:"table"`
	ObjectID    types.ObjectID       `json:"object_id"`
	ClientIndex uint32               `json:"client_index,omitempty"`
	InfoType    types.GlobalInfoType `json:"info_type,omitempty"`
}

func (k Key) String() string {
	switch k.Table {
	case types.TableEdge:
		return fmt.Sprintf("%s/%s/%d", k.Table, k.ObjectID, k.ClientIndex)
	case types.TableGlobalInfo:
		return fmt.Sprintf("%s/%s", k.Table, k.InfoType)
	default:
		return fmt.Sprintf("%s/%s", k.Table, k.ObjectID)
	}
}

// Key returns the slot e occupies
func (e Entry) Key() Key {
	k := Key{Table: e.Table, ObjectID: e.ObjectID()}
	switch e.Table {
	case types.TableEdge:
		if e.Edge != nil {
			k.ClientIndex = e.Edge.ClientIndex
		}
	case types.TableGlobalInfo:
		k.ObjectID = types.InvalidObjectID
		if e.GlobalInfo != nil {
			k.InfoType = e.GlobalInfo.Type
		}
	}
	return k
}

// ValidatePayload checks the payload pointer matches the table
func (e Entry) ValidatePayload() error {
	ok := false
	switch e.Table {
	case types.TableObject:
		ok = e.Object != nil
	case types.TableUser:
		ok = e.User != nil
	case types.TableEdge:
		ok = e.Edge != nil
	case types.TableGlobalInfo:
		ok = e.GlobalInfo != nil
	case types.TableSystemSpare:
		ok = e.Spare != nil
	}
	if !ok {
		return fmt.Errorf("%w: %s entry without payload", types.ErrValidationFailed, e.Table)
	}
	return nil
}

// Change is one element of an Apply batch
type Change struct {
	Op    types.EntryState `json:"op"`
	Entry Entry            `json:"entry"`
}

// ObjectEntry wraps an object entry
func ObjectEntry(o types.ObjectEntry) Entry {
	return Entry{Table: types.TableObject, Object: &o}
}

// UserEntry wraps a user entry
func UserEntry(u types.UserEntry) Entry {
	return Entry{Table: types.TableUser, User: &u}
}

// EdgeEntry wraps an edge entry
func EdgeEntry(e types.EdgeEntry) Entry {
	return Entry{Table: types.TableEdge, Edge: &e}
}

// GlobalInfoEntry wraps a global info entry
func GlobalInfoEntry(g types.GlobalInfoEntry) Entry {
	return Entry{Table: types.TableGlobalInfo, GlobalInfo: &g}
}

// SpareEntry wraps a system spare entry
func SpareEntry(s types.SystemSpareEntry) Entry {
	return Entry{Table: types.TableSystemSpare, Spare: &s}
}
