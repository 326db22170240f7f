package database

import (
	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/types"
)

// ObjectTables bundles every row that describes one object
type ObjectTables struct {
	Object types.ObjectEntry       `json:"object"`
	User   *types.UserEntry        `json:"user,omitempty"`
	Edges  []types.EdgeEntry       `json:"edges,omitempty"`
	Spare  *types.SystemSpareEntry `json:"spare,omitempty"`
}

// GetObject returns the committed object entry for id
func (d *Database) GetObject(id types.ObjectID) (types.ObjectEntry, error) {
	return d.tables.Object(id)
}

// GetUser returns the committed user entry for id
func (d *Database) GetUser(id types.ObjectID) (types.UserEntry, error) {
	return d.tables.User(id)
}

// GetEdges returns the edges owned by client id
func (d *Database) GetEdges(id types.ObjectID) []types.EdgeEntry {
	return d.tables.Edges(id)
}

// GetEdge returns one edge of client id
func (d *Database) GetEdge(id types.ObjectID, clientIndex uint32) (types.EdgeEntry, error) {
	return d.tables.Edge(id, clientIndex)
}

// ListEdgesOf returns the edges that consume server id
func (d *Database) ListEdgesOf(server types.ObjectID) []types.EdgeEntry {
	return d.tables.Clients(server)
}

// GetGlobalInfo returns a system-wide singleton
func (d *Database) GetGlobalInfo(t types.GlobalInfoType) (types.GlobalInfoEntry, error) {
	return d.tables.GlobalInfo(t)
}

// GetSpare returns the system spare entry of a system object
func (d *Database) GetSpare(id types.ObjectID) (types.SystemSpareEntry, error) {
	return d.tables.Spare(id)
}

// GetTables returns the object, user, edge and spare rows of id in one call
func (d *Database) GetTables(id types.ObjectID) (ObjectTables, error) {
	obj, err := d.tables.Object(id)
	if err != nil {
		return ObjectTables{}, err
	}
	out := ObjectTables{Object: obj, Edges: d.tables.Edges(id)}
	if u, err := d.tables.User(id); err == nil {
		out.User = &u
	}
	if sp, err := d.tables.Spare(id); err == nil {
		out.Spare = &sp
	}
	return out, nil
}

// LookupLUNByNumber resolves a LUN number
func (d *Database) LookupLUNByNumber(number uint32) (types.ObjectID, error) {
	return d.tables.LookupByNumber(tables.NumberLUN, number)
}

// LookupRaidByNumber resolves a raid group number
func (d *Database) LookupRaidByNumber(number uint32) (types.ObjectID, error) {
	return d.tables.LookupByNumber(tables.NumberRaidGroup, number)
}

// LookupByWWN resolves a world wide name
func (d *Database) LookupByWWN(wwn string) (types.ObjectID, error) {
	return d.tables.LookupByWWN(wwn)
}

// ListObjects returns the objects of class c; ClassInvalid lists every object
func (d *Database) ListObjects(c types.ClassID) []types.ObjectEntry {
	it := d.tables.Enumerate(types.TableObject, func(e tables.Entry) bool {
		return c == types.ClassInvalid || e.Object.Class == c
	})
	var out []types.ObjectEntry
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		out = append(out, *e.Object)
	}
	return out
}

// Enumerate returns a lazy iterator over the valid rows of a table
func (d *Database) Enumerate(t types.TableType, match func(tables.Entry) bool) *tables.Iterator {
	return d.tables.Enumerate(t, match)
}

// TableCounts returns the number of valid rows per table
func (d *Database) TableCounts() map[types.TableType]int {
	return d.tables.Counts()
}

// Generation returns the configuration generation counter
func (d *Database) Generation() uint64 {
	g, err := d.tables.GlobalInfo(types.GlobalInfoGeneration)
	if err != nil || g.Generation == nil {
		return 0
	}
	return g.Generation.Current
}

// EncryptionMode returns the system encryption mode
func (d *Database) EncryptionMode() types.EncryptionMode {
	g, err := d.tables.GlobalInfo(types.GlobalInfoEncryption)
	if err != nil || g.Encryption == nil {
		return types.EncryptionUnknown
	}
	return g.Encryption.Mode
}

// PowerSave returns the system power saving policy
func (d *Database) PowerSave() (types.PowerSaveInfo, error) {
	g, err := d.tables.GlobalInfo(types.GlobalInfoPowerSave)
	if err != nil {
		return types.PowerSaveInfo{}, err
	}
	return *g.PowerSave, nil
}
