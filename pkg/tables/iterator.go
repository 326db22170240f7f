package tables

import (
	"github.com/cuemby/raidcfg/pkg/types"
)

// Iterator walks the valid rows of one table. It is restartable and never
// holds a lock between calls, so rows committed behind the cursor are skipped
// and rows committed ahead of it are seen.
type Iterator struct {
	s     *Store
	table types.TableType
	match func(Entry) bool
	pos   int
}

// Enumerate returns an iterator over table. A nil match accepts every row.
func (s *Store) Enumerate(table types.TableType, match func(Entry) bool) *Iterator {
	return &Iterator{s: s, table: table, match: match}
}

// Reset moves the cursor back to the first slot
func (it *Iterator) Reset() {
	it.pos = 0
}

// Next returns the next matching row. ok is false once the table is exhausted.
func (it *Iterator) Next() (entry Entry, ok bool) {
	mu := it.s.mutex(it.table)
	if mu == nil {
		return Entry{}, false
	}
	mu.RLock()
	defer mu.RUnlock()

	for ; it.pos < it.slots(); it.pos++ {
		e, valid := it.at(it.pos)
		if !valid {
			continue
		}
		if it.match != nil && !it.match(e) {
			continue
		}
		it.pos++
		return e, true
	}
	return Entry{}, false
}

// All drains the iterator from its current position
func (it *Iterator) All() []Entry {
	var out []Entry
	for {
		e, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func (it *Iterator) slots() int {
	switch it.table {
	case types.TableEdge:
		return it.s.capacity * types.MaxEdgesPerObject
	case types.TableGlobalInfo:
		return len(types.GlobalInfoTypes)
	default:
		return it.s.capacity
	}
}

func (it *Iterator) at(pos int) (Entry, bool) {
	s := it.s
	switch it.table {
	case types.TableObject:
		if o := s.objects[pos]; o.Header.State == types.EntryValid {
			return ObjectEntry(o), true
		}
	case types.TableUser:
		if u := s.users[pos]; u.Header.State == types.EntryValid {
			return UserEntry(u), true
		}
	case types.TableEdge:
		if e := s.edges[pos/types.MaxEdgesPerObject][pos%types.MaxEdgesPerObject]; e.Header.State == types.EntryValid {
			return EdgeEntry(e), true
		}
	case types.TableGlobalInfo:
		if g, ok := s.global[types.GlobalInfoTypes[pos]]; ok {
			return GlobalInfoEntry(cloneGlobalInfo(g)), true
		}
	case types.TableSystemSpare:
		if sp := s.spares[pos]; sp.Header.State == types.EntryValid {
			return SpareEntry(sp), true
		}
	}
	return Entry{}, false
}
