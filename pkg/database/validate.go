package database

import (
	"fmt"

	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/types"
)

// Policy is a domain rule checked for every change of a commit after the
// structural checks passed. Rules that only hold for some objects (system
// drives, for instance) are expressed as policies rather than special cases
// in the commit engine.
type Policy interface {
	Name() string
	Check(v View, c tables.Change) error
}

// View answers questions about the configuration as it will be once the
// commit under validation is applied
type View interface {
	ObjectExists(id types.ObjectID) bool
	Object(id types.ObjectID) (types.ObjectEntry, bool)
	ServerRefs(id types.ObjectID) int
}

// validate checks a resolved batch against the committed tables. It never
// mutates anything.
func (d *Database) validate(changes []tables.Change) error {
	if err := d.tables.Check(changes); err != nil {
		return err
	}
	v := newProjection(d.tables, changes)
	if err := v.referentialIntegrity(); err != nil {
		return err
	}
	for _, c := range changes {
		for _, p := range d.opts.Policies {
			if err := p.Check(v, c); err != nil {
				return &types.DBError{Kind: types.ErrValidationFailed, Op: "commit", Table: c.Entry.Table,
					ObjectID: c.Entry.ObjectID(), Err: fmt.Errorf("policy %s: %w", p.Name(), err)}
			}
		}
	}
	return nil
}

// validateIntegrity checks the committed tables as a whole; used after load
func (d *Database) validateIntegrity() error {
	return newProjection(d.tables, nil).referentialIntegrity()
}

// projection overlays the final effect of a batch on the committed tables
type projection struct {
	s       *tables.Store
	objects map[types.ObjectID]*types.ObjectEntry
	users   map[types.ObjectID]bool
	edges   map[tables.Key]*types.EdgeEntry
	spares  map[types.ObjectID]*types.SystemSpareEntry
	touched map[types.ObjectID]bool
}

func newProjection(s *tables.Store, changes []tables.Change) *projection {
	p := &projection{
		s:       s,
		objects: make(map[types.ObjectID]*types.ObjectEntry),
		users:   make(map[types.ObjectID]bool),
		edges:   make(map[tables.Key]*types.EdgeEntry),
		spares:  make(map[types.ObjectID]*types.SystemSpareEntry),
		touched: make(map[types.ObjectID]bool),
	}
	for _, c := range changes {
		present := c.Op != types.EntryDestroy
		e := c.Entry
		id := e.ObjectID()
		switch e.Table {
		case types.TableObject:
			p.objects[id] = nil
			if present {
				o := *e.Object
				p.objects[id] = &o
			}
		case types.TableUser:
			p.users[id] = present
		case types.TableEdge:
			p.edges[e.Key()] = nil
			if present {
				edge := *e.Edge
				p.edges[e.Key()] = &edge
			}
		case types.TableSystemSpare:
			p.spares[id] = nil
			if present {
				sp := *e.Spare
				p.spares[id] = &sp
			}
		default:
			continue
		}
		p.touched[id] = true
	}
	return p
}

func (p *projection) Object(id types.ObjectID) (types.ObjectEntry, bool) {
	if o, ok := p.objects[id]; ok {
		if o == nil {
			return types.ObjectEntry{}, false
		}
		return *o, true
	}
	o, err := p.s.Object(id)
	return o, err == nil
}

func (p *projection) ObjectExists(id types.ObjectID) bool {
	_, ok := p.Object(id)
	return ok
}

func (p *projection) userExists(id types.ObjectID) bool {
	if v, ok := p.users[id]; ok {
		return v
	}
	_, err := p.s.User(id)
	return err == nil
}

func (p *projection) spare(id types.ObjectID) (types.SystemSpareEntry, bool) {
	if sp, ok := p.spares[id]; ok {
		if sp == nil {
			return types.SystemSpareEntry{}, false
		}
		return *sp, true
	}
	sp, err := p.s.Spare(id)
	return sp, err == nil
}

// edgesOf returns the final edges owned by client id
func (p *projection) edgesOf(id types.ObjectID) []types.EdgeEntry {
	var out []types.EdgeEntry
	for i := uint32(0); i < types.MaxEdgesPerObject; i++ {
		k := tables.Key{Table: types.TableEdge, ObjectID: id, ClientIndex: i}
		if e, ok := p.edges[k]; ok {
			if e != nil {
				out = append(out, *e)
			}
			continue
		}
		if e, err := p.s.Edge(id, i); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// clientsOf returns the final edges that use id as their server
func (p *projection) clientsOf(id types.ObjectID) []types.EdgeEntry {
	var out []types.EdgeEntry
	for _, e := range p.s.Clients(id) {
		if _, overridden := p.edges[tables.Key{Table: types.TableEdge, ObjectID: e.Header.ObjectID, ClientIndex: e.ClientIndex}]; !overridden {
			out = append(out, e)
		}
	}
	for _, e := range p.edges {
		if e != nil && e.ServerID == id {
			out = append(out, *e)
		}
	}
	return out
}

func (p *projection) ServerRefs(id types.ObjectID) int {
	return len(p.clientsOf(id))
}

// referentialIntegrity checks that every edge, user and spare row that will
// be Valid refers to Valid objects. With no changes staged it walks the
// whole committed configuration.
func (p *projection) referentialIntegrity() error {
	ids := make([]types.ObjectID, 0, len(p.touched))
	if len(p.touched) == 0 {
		for _, e := range p.s.Snapshot() {
			if id := e.ObjectID(); id.Valid() && !p.touched[id] {
				p.touched[id] = true
				ids = append(ids, id)
			}
		}
	} else {
		for id := range p.touched {
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		exists := p.ObjectExists(id)
		for _, e := range p.edgesOf(id) {
			if !exists {
				return dangling(types.TableEdge, id, fmt.Errorf("edge %d of missing client", e.ClientIndex))
			}
			if !p.ObjectExists(e.ServerID) {
				return dangling(types.TableEdge, id, fmt.Errorf("edge %d references missing server %s", e.ClientIndex, e.ServerID))
			}
		}
		if !exists {
			if clients := p.clientsOf(id); len(clients) > 0 {
				return dangling(types.TableObject, id,
					fmt.Errorf("object is still the server of %s", clients[0].Header.ObjectID))
			}
			if p.userExists(id) {
				return dangling(types.TableUser, id, fmt.Errorf("user entry without object"))
			}
		}
		if sp, ok := p.spare(id); ok {
			if !exists {
				return dangling(types.TableSystemSpare, id, fmt.Errorf("spare entry without object"))
			}
			if !p.ObjectExists(sp.SpareDriveID) {
				return dangling(types.TableSystemSpare, id, fmt.Errorf("spare drive %s does not exist", sp.SpareDriveID))
			}
		}
	}
	return nil
}

func dangling(t types.TableType, id types.ObjectID, err error) error {
	return types.NewError(types.ErrValidationFailed, "commit", t, id, err)
}
