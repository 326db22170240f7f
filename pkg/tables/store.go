package tables

import (
	"fmt"
	"sync"

	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/google/btree"
)

// DefaultCapacity is the number of object ids a Store holds when none is configured
const DefaultCapacity = 4096

// NumberSpace separates user numbers that may overlap between object kinds
type NumberSpace int

const (
	NumberNone NumberSpace = iota
	NumberLUN
	NumberRaidGroup
	NumberProvisionDrive
	NumberPool
)

// NumberSpaceOf returns the number space used by a class
func NumberSpaceOf(c types.ClassID) NumberSpace {
	switch {
	case c.IsLUN():
		return NumberLUN
	case c.IsRaid():
		return NumberRaidGroup
	case c == types.ClassProvisionDrive:
		return NumberProvisionDrive
	case c == types.ClassExtentPool:
		return NumberPool
	}
	return NumberNone
}

type numberItem struct {
	space  NumberSpace
	number uint32
	id     types.ObjectID
}

func lessNumber(a, b numberItem) bool {
	if a.space != b.space {
		return a.space < b.space
	}
	return a.number < b.number
}

type wwnItem struct {
	wwn string
	id  types.ObjectID
}

func lessWWN(a, b wwnItem) bool {
	return a.wwn < b.wwn
}

// Store is the committed, in-memory state of all configuration tables.
// Every table has its own lock; multi-table operations take them in
// types.LockOrder.
type Store struct {
	capacity int

	objectMu sync.RWMutex
	objects  []types.ObjectEntry

	userMu  sync.RWMutex
	users   []types.UserEntry
	numbers *btree.BTreeG[numberItem]
	wwns    *btree.BTreeG[wwnItem]

	edgeMu     sync.RWMutex
	edges      [][types.MaxEdgesPerObject]types.EdgeEntry
	serverRefs map[types.ObjectID]int

	globalMu sync.RWMutex
	global   map[types.GlobalInfoType]types.GlobalInfoEntry

	spareMu sync.RWMutex
	spares  []types.SystemSpareEntry
}

// New creates an empty store able to hold object ids [0, capacity)
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity:   capacity,
		objects:    make([]types.ObjectEntry, capacity),
		users:      make([]types.UserEntry, capacity),
		numbers:    btree.NewG[numberItem](16, lessNumber),
		wwns:       btree.NewG[wwnItem](16, lessWWN),
		edges:      make([][types.MaxEdgesPerObject]types.EdgeEntry, capacity),
		serverRefs: make(map[types.ObjectID]int),
		global:     make(map[types.GlobalInfoType]types.GlobalInfoEntry),
		spares:     make([]types.SystemSpareEntry, capacity),
	}
}

// Capacity returns the number of object id slots
func (s *Store) Capacity() int {
	return s.capacity
}

func (s *Store) inRange(id types.ObjectID) bool {
	return id.Valid() && int(id) < s.capacity
}

func (s *Store) mutex(t types.TableType) *sync.RWMutex {
	switch t {
	case types.TableObject:
		return &s.objectMu
	case types.TableUser:
		return &s.userMu
	case types.TableEdge:
		return &s.edgeMu
	case types.TableGlobalInfo:
		return &s.globalMu
	case types.TableSystemSpare:
		return &s.spareMu
	}
	return nil
}

// lockAll write-locks every table in the fixed order and returns the unlock func
func (s *Store) lockAll() func() {
	for _, t := range types.LockOrder {
		s.mutex(t).Lock()
	}
	return func() {
		for i := len(types.LockOrder) - 1; i >= 0; i-- {
			s.mutex(types.LockOrder[i]).Unlock()
		}
	}
}

func (s *Store) rlockAll() func() {
	for _, t := range types.LockOrder {
		s.mutex(t).RLock()
	}
	return func() {
		for i := len(types.LockOrder) - 1; i >= 0; i-- {
			s.mutex(types.LockOrder[i]).RUnlock()
		}
	}
}

// Object returns the committed object entry for id
func (s *Store) Object(id types.ObjectID) (types.ObjectEntry, error) {
	if !s.inRange(id) {
		return types.ObjectEntry{}, types.NewError(types.ErrNotFound, "lookup", types.TableObject, id, nil)
	}
	s.objectMu.RLock()
	defer s.objectMu.RUnlock()
	e := s.objects[id]
	if e.Header.State != types.EntryValid {
		return types.ObjectEntry{}, types.NewError(types.ErrNotFound, "lookup", types.TableObject, id, nil)
	}
	return e, nil
}

// ObjectExists reports whether id has a Valid object entry
func (s *Store) ObjectExists(id types.ObjectID) bool {
	_, err := s.Object(id)
	return err == nil
}

// User returns the committed user entry for id
func (s *Store) User(id types.ObjectID) (types.UserEntry, error) {
	if !s.inRange(id) {
		return types.UserEntry{}, types.NewError(types.ErrNotFound, "lookup", types.TableUser, id, nil)
	}
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	e := s.users[id]
	if e.Header.State != types.EntryValid {
		return types.UserEntry{}, types.NewError(types.ErrNotFound, "lookup", types.TableUser, id, nil)
	}
	return e, nil
}

// Edge returns one edge of a client object
func (s *Store) Edge(id types.ObjectID, clientIndex uint32) (types.EdgeEntry, error) {
	if !s.inRange(id) || clientIndex >= types.MaxEdgesPerObject {
		return types.EdgeEntry{}, types.NewError(types.ErrNotFound, "lookup", types.TableEdge, id, nil)
	}
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()
	e := s.edges[id][clientIndex]
	if e.Header.State != types.EntryValid {
		return types.EdgeEntry{}, types.NewError(types.ErrNotFound, "lookup", types.TableEdge, id, nil)
	}
	return e, nil
}

// Edges returns every valid edge owned by a client object, ordered by client index
func (s *Store) Edges(id types.ObjectID) []types.EdgeEntry {
	if !s.inRange(id) {
		return nil
	}
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()
	var out []types.EdgeEntry
	for _, e := range s.edges[id] {
		if e.Header.State == types.EntryValid {
			out = append(out, e)
		}
	}
	return out
}

// ServerRefs returns how many valid edges point at id as their server
func (s *Store) ServerRefs(id types.ObjectID) int {
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()
	return s.serverRefs[id]
}

// Clients returns the edges that consume the extent exported by server
func (s *Store) Clients(server types.ObjectID) []types.EdgeEntry {
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()
	if s.serverRefs[server] == 0 {
		return nil
	}
	var out []types.EdgeEntry
	for i := range s.edges {
		for _, e := range s.edges[i] {
			if e.Header.State == types.EntryValid && e.ServerID == server {
				out = append(out, e)
			}
		}
	}
	return out
}

// GlobalInfo returns the singleton of type t
func (s *Store) GlobalInfo(t types.GlobalInfoType) (types.GlobalInfoEntry, error) {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()
	e, ok := s.global[t]
	if !ok || (e.Header.State != types.EntryValid && e.Header.State != types.EntryUncommitted) {
		return types.GlobalInfoEntry{}, &types.DBError{Kind: types.ErrNotFound, Op: "lookup", Table: types.TableGlobalInfo,
			ObjectID: types.InvalidObjectID, Err: fmt.Errorf("global info %s", t)}
	}
	return cloneGlobalInfo(e), nil
}

// Spare returns the system spare entry of a system object
func (s *Store) Spare(id types.ObjectID) (types.SystemSpareEntry, error) {
	if !s.inRange(id) {
		return types.SystemSpareEntry{}, types.NewError(types.ErrNotFound, "lookup", types.TableSystemSpare, id, nil)
	}
	s.spareMu.RLock()
	defer s.spareMu.RUnlock()
	e := s.spares[id]
	if e.Header.State != types.EntryValid {
		return types.SystemSpareEntry{}, types.NewError(types.ErrNotFound, "lookup", types.TableSystemSpare, id, nil)
	}
	return e, nil
}

// LookupByNumber resolves a user-assigned number to an object id
func (s *Store) LookupByNumber(space NumberSpace, number uint32) (types.ObjectID, error) {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	item, ok := s.numbers.Get(numberItem{space: space, number: number})
	if !ok {
		return types.InvalidObjectID, &types.DBError{Kind: types.ErrNotFound, Op: "lookup_by_number",
			Table: types.TableUser, ObjectID: types.InvalidObjectID, Err: fmt.Errorf("number %d", number)}
	}
	return item.id, nil
}

// LookupByWWN resolves a world wide name to an object id
func (s *Store) LookupByWWN(wwn string) (types.ObjectID, error) {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	item, ok := s.wwns.Get(wwnItem{wwn: wwn})
	if !ok {
		return types.InvalidObjectID, &types.DBError{Kind: types.ErrNotFound, Op: "lookup_by_wwn",
			Table: types.TableUser, ObjectID: types.InvalidObjectID, Err: fmt.Errorf("wwn %s", wwn)}
	}
	return item.id, nil
}

// Lookup returns the committed row stored under k
func (s *Store) Lookup(k Key) (Entry, bool) {
	switch k.Table {
	case types.TableObject:
		if e, err := s.Object(k.ObjectID); err == nil {
			return ObjectEntry(e), true
		}
	case types.TableUser:
		if e, err := s.User(k.ObjectID); err == nil {
			return UserEntry(e), true
		}
	case types.TableEdge:
		if e, err := s.Edge(k.ObjectID, k.ClientIndex); err == nil {
			return EdgeEntry(e), true
		}
	case types.TableGlobalInfo:
		if e, err := s.GlobalInfo(k.InfoType); err == nil {
			return GlobalInfoEntry(e), true
		}
	case types.TableSystemSpare:
		if e, err := s.Spare(k.ObjectID); err == nil {
			return SpareEntry(e), true
		}
	}
	return Entry{}, false
}

// Numbers returns the objects in a number space in ascending number order
func (s *Store) Numbers(space NumberSpace) []types.ObjectID {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	var out []types.ObjectID
	s.numbers.AscendRange(numberItem{space: space}, numberItem{space: space + 1}, func(item numberItem) bool {
		out = append(out, item.id)
		return true
	})
	return out
}

// Counts returns the number of valid rows per table
func (s *Store) Counts() map[types.TableType]int {
	unlock := s.rlockAll()
	defer unlock()

	counts := make(map[types.TableType]int)
	for i := range s.objects {
		if s.objects[i].Header.State == types.EntryValid {
			counts[types.TableObject]++
		}
		if s.users[i].Header.State == types.EntryValid {
			counts[types.TableUser]++
		}
		if s.spares[i].Header.State == types.EntryValid {
			counts[types.TableSystemSpare]++
		}
		for _, e := range s.edges[i] {
			if e.Header.State == types.EntryValid {
				counts[types.TableEdge]++
			}
		}
	}
	for _, g := range s.global {
		if g.Header.State == types.EntryValid {
			counts[types.TableGlobalInfo]++
		}
	}
	return counts
}

// Snapshot copies every valid row of every table, in lock order.
// The copy is consistent: no Apply can interleave.
func (s *Store) Snapshot() []Entry {
	unlock := s.rlockAll()
	defer unlock()

	var out []Entry
	for i := range s.objects {
		if s.objects[i].Header.State == types.EntryValid {
			out = append(out, ObjectEntry(s.objects[i]))
		}
	}
	for i := range s.users {
		if s.users[i].Header.State == types.EntryValid {
			out = append(out, UserEntry(s.users[i]))
		}
	}
	for i := range s.edges {
		for _, e := range s.edges[i] {
			if e.Header.State == types.EntryValid {
				out = append(out, EdgeEntry(e))
			}
		}
	}
	for _, t := range types.GlobalInfoTypes {
		if g, ok := s.global[t]; ok && g.Header.State == types.EntryValid {
			out = append(out, GlobalInfoEntry(cloneGlobalInfo(g)))
		}
	}
	for i := range s.spares {
		if s.spares[i].Header.State == types.EntryValid {
			out = append(out, SpareEntry(s.spares[i]))
		}
	}
	return out
}

// Replace discards all tables and loads entries as Valid rows.
// Used at startup and for full peer resynchronization; on error nothing changes.
func (s *Store) Replace(entries []Entry) error {
	fresh := New(s.capacity)
	changes := make([]Change, 0, len(entries))
	for _, e := range entries {
		changes = append(changes, Change{Op: types.EntryValid, Entry: e})
	}
	if err := fresh.Apply(changes); err != nil {
		return fmt.Errorf("replace: %w", err)
	}

	unlock := s.lockAll()
	defer unlock()
	s.objects = fresh.objects
	s.users = fresh.users
	s.numbers = fresh.numbers
	s.wwns = fresh.wwns
	s.edges = fresh.edges
	s.serverRefs = fresh.serverRefs
	s.global = fresh.global
	s.spares = fresh.spares
	return nil
}
