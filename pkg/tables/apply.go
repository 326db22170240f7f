package tables

import (
	"fmt"

	"github.com/cuemby/raidcfg/pkg/types"
)

// Apply installs a batch of changes. Create and Modify leave the row Valid,
// Destroy frees the slot and Valid stores the row unconditionally (used when
// loading from disk or a peer). The batch is checked in order against the
// committed tables plus the effect of earlier changes in the same batch; if
// any change is rejected, nothing is applied.
func (s *Store) Apply(changes []Change) error {
	unlock := s.lockAll()
	defer unlock()

	if err := s.check(changes); err != nil {
		return err
	}
	for _, c := range changes {
		s.install(c)
	}
	return nil
}

// Check reports whether Apply(changes) would succeed without changing anything
func (s *Store) Check(changes []Change) error {
	unlock := s.rlockAll()
	defer unlock()
	return s.check(changes)
}

type numberKey struct {
	space  NumberSpace
	number uint32
}

// overlay simulates a batch on top of the committed tables without touching them
type overlay struct {
	s       *Store
	present map[Key]bool
	users   map[types.ObjectID]*types.UserEntry
	numbers map[numberKey]types.ObjectID
	wwns    map[string]types.ObjectID
}

func (o *overlay) isPresent(k Key) bool {
	if v, ok := o.present[k]; ok {
		return v
	}
	return o.s.slotValid(k)
}

func (o *overlay) user(id types.ObjectID) *types.UserEntry {
	if u, ok := o.users[id]; ok {
		return u
	}
	if u := o.s.users[id]; u.Header.State == types.EntryValid {
		return &u
	}
	return nil
}

func (o *overlay) numberOwner(k numberKey) types.ObjectID {
	if id, ok := o.numbers[k]; ok {
		return id
	}
	if item, ok := o.s.numbers.Get(numberItem{space: k.space, number: k.number}); ok {
		return item.id
	}
	return types.InvalidObjectID
}

func (o *overlay) wwnOwner(wwn string) types.ObjectID {
	if id, ok := o.wwns[wwn]; ok {
		return id
	}
	if item, ok := o.s.wwns.Get(wwnItem{wwn: wwn}); ok {
		return item.id
	}
	return types.InvalidObjectID
}

func (o *overlay) releaseUser(id types.ObjectID) {
	old := o.user(id)
	if old == nil {
		return
	}
	if old.Number != types.InvalidNumber {
		k := numberKey{NumberSpaceOf(old.Class), old.Number}
		if o.numberOwner(k) == id {
			o.numbers[k] = types.InvalidObjectID
		}
	}
	if old.WWN != "" && o.wwnOwner(old.WWN) == id {
		o.wwns[old.WWN] = types.InvalidObjectID
	}
	o.users[id] = nil
}

func (o *overlay) claimUser(u *types.UserEntry) error {
	id := u.Header.ObjectID
	o.releaseUser(id)
	if u.Number != types.InvalidNumber {
		k := numberKey{NumberSpaceOf(u.Class), u.Number}
		if owner := o.numberOwner(k); owner.Valid() && owner != id {
			return types.NewError(types.ErrCollision, "apply", types.TableUser, id,
				fmt.Errorf("number %d already used by %s", u.Number, owner))
		}
		o.numbers[k] = id
	}
	if u.WWN != "" {
		if owner := o.wwnOwner(u.WWN); owner.Valid() && owner != id {
			return types.NewError(types.ErrCollision, "apply", types.TableUser, id,
				fmt.Errorf("wwn %s already used by %s", u.WWN, owner))
		}
		o.wwns[u.WWN] = id
	}
	o.users[id] = u
	return nil
}

// slotValid reports whether the committed slot for k holds a row. Caller holds the locks.
func (s *Store) slotValid(k Key) bool {
	switch k.Table {
	case types.TableObject:
		return s.objects[k.ObjectID].Header.State == types.EntryValid
	case types.TableUser:
		return s.users[k.ObjectID].Header.State == types.EntryValid
	case types.TableEdge:
		return s.edges[k.ObjectID][k.ClientIndex].Header.State == types.EntryValid
	case types.TableGlobalInfo:
		_, ok := s.global[k.InfoType]
		return ok
	case types.TableSystemSpare:
		return s.spares[k.ObjectID].Header.State == types.EntryValid
	}
	return false
}

func knownGlobalInfo(t types.GlobalInfoType) bool {
	for _, known := range types.GlobalInfoTypes {
		if known == t {
			return true
		}
	}
	return false
}

func (s *Store) checkBounds(e Entry) error {
	if err := e.ValidatePayload(); err != nil {
		return err
	}
	id := e.ObjectID()
	switch e.Table {
	case types.TableGlobalInfo:
		if !knownGlobalInfo(e.GlobalInfo.Type) {
			return fmt.Errorf("%w: unknown global info type %d", types.ErrValidationFailed, int(e.GlobalInfo.Type))
		}
		return e.GlobalInfo.Validate()
	case types.TableObject:
		if err := e.Object.Validate(); err != nil {
			return err
		}
	case types.TableEdge:
		if e.Edge.ClientIndex >= types.MaxEdgesPerObject {
			return types.NewError(types.ErrCapacityExceeded, "apply", types.TableEdge, id,
				fmt.Errorf("client index %d", e.Edge.ClientIndex))
		}
	}
	if !id.Valid() {
		return types.NewError(types.ErrValidationFailed, "apply", e.Table, id, fmt.Errorf("missing object id"))
	}
	if int(id) >= s.capacity {
		return types.NewError(types.ErrCapacityExceeded, "apply", e.Table, id,
			fmt.Errorf("table holds %d objects", s.capacity))
	}
	return nil
}

func (s *Store) check(changes []Change) error {
	o := &overlay{
		s:       s,
		present: make(map[Key]bool),
		users:   make(map[types.ObjectID]*types.UserEntry),
		numbers: make(map[numberKey]types.ObjectID),
		wwns:    make(map[string]types.ObjectID),
	}

	for i, c := range changes {
		e := c.Entry
		if err := s.checkBounds(e); err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
		k := e.Key()
		switch c.Op {
		case types.EntryCreate:
			if o.isPresent(k) {
				return fmt.Errorf("change %d: %w", i,
					types.NewError(types.ErrCollision, "apply", k.Table, k.ObjectID, fmt.Errorf("%s already exists", k)))
			}
		case types.EntryModify, types.EntryDestroy:
			if !o.isPresent(k) {
				return fmt.Errorf("change %d: %w", i,
					types.NewError(types.ErrNotFound, "apply", k.Table, k.ObjectID, fmt.Errorf("%s does not exist", k)))
			}
		case types.EntryValid:
		default:
			return fmt.Errorf("change %d: %w: operation %s", i, types.ErrValidationFailed, c.Op)
		}

		present := c.Op != types.EntryDestroy
		o.present[k] = present
		if e.Table == types.TableUser {
			if present {
				u := *e.User
				if err := o.claimUser(&u); err != nil {
					return fmt.Errorf("change %d: %w", i, err)
				}
			} else {
				o.releaseUser(k.ObjectID)
			}
		}
	}
	return nil
}

// install writes one checked change. Caller holds every table lock.
func (s *Store) install(c Change) {
	e := c.Entry.Clone()
	k := e.Key()

	if c.Op == types.EntryDestroy {
		s.clear(k)
		return
	}

	h := e.Header()
	if c.Op == types.EntryModify && h.EntryID == 0 {
		h.EntryID = s.entryID(k)
	}
	h.State = types.EntryValid
	e.SetHeader(h)

	switch k.Table {
	case types.TableObject:
		s.objects[k.ObjectID] = *e.Object
	case types.TableUser:
		s.unindexUser(k.ObjectID)
		s.users[k.ObjectID] = *e.User
		s.indexUser(*e.User)
	case types.TableEdge:
		s.dropServerRef(k)
		s.edges[k.ObjectID][k.ClientIndex] = *e.Edge
		s.serverRefs[e.Edge.ServerID]++
	case types.TableGlobalInfo:
		s.global[k.InfoType] = *e.GlobalInfo
	case types.TableSystemSpare:
		s.spares[k.ObjectID] = *e.Spare
	}
}

func (s *Store) clear(k Key) {
	switch k.Table {
	case types.TableObject:
		s.objects[k.ObjectID] = types.ObjectEntry{}
	case types.TableUser:
		s.unindexUser(k.ObjectID)
		s.users[k.ObjectID] = types.UserEntry{}
	case types.TableEdge:
		s.dropServerRef(k)
		s.edges[k.ObjectID][k.ClientIndex] = types.EdgeEntry{}
	case types.TableGlobalInfo:
		delete(s.global, k.InfoType)
	case types.TableSystemSpare:
		s.spares[k.ObjectID] = types.SystemSpareEntry{}
	}
}

func (s *Store) entryID(k Key) uint64 {
	switch k.Table {
	case types.TableObject:
		return s.objects[k.ObjectID].Header.EntryID
	case types.TableUser:
		return s.users[k.ObjectID].Header.EntryID
	case types.TableEdge:
		return s.edges[k.ObjectID][k.ClientIndex].Header.EntryID
	case types.TableGlobalInfo:
		return s.global[k.InfoType].Header.EntryID
	case types.TableSystemSpare:
		return s.spares[k.ObjectID].Header.EntryID
	}
	return 0
}

func (s *Store) dropServerRef(k Key) {
	old := s.edges[k.ObjectID][k.ClientIndex]
	if old.Header.State != types.EntryValid {
		return
	}
	s.serverRefs[old.ServerID]--
	if s.serverRefs[old.ServerID] <= 0 {
		delete(s.serverRefs, old.ServerID)
	}
}

func (s *Store) unindexUser(id types.ObjectID) {
	old := s.users[id]
	if old.Header.State != types.EntryValid {
		return
	}
	if old.Number != types.InvalidNumber {
		item := numberItem{space: NumberSpaceOf(old.Class), number: old.Number}
		if cur, ok := s.numbers.Get(item); ok && cur.id == id {
			s.numbers.Delete(item)
		}
	}
	if old.WWN != "" {
		if cur, ok := s.wwns.Get(wwnItem{wwn: old.WWN}); ok && cur.id == id {
			s.wwns.Delete(wwnItem{wwn: old.WWN})
		}
	}
}

func (s *Store) indexUser(u types.UserEntry) {
	id := u.Header.ObjectID
	if u.Number != types.InvalidNumber {
		s.numbers.ReplaceOrInsert(numberItem{space: NumberSpaceOf(u.Class), number: u.Number, id: id})
	}
	if u.WWN != "" {
		s.wwns.ReplaceOrInsert(wwnItem{wwn: u.WWN, id: id})
	}
}
