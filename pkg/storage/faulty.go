package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/cuemby/raidcfg/pkg/tables"
)

// ErrInjected is returned by FaultyStore when a fault fires
var ErrInjected = errors.New("injected persistence fault")

// FaultyStore wraps a Store and fails mutating calls on demand. It is used to
// exercise the retry and compensation paths of the commit engine.
type FaultyStore struct {
	Store

	mu         sync.Mutex
	failNext   int
	crashAfter int
	tearNext   int
	calls      int
	failures   int
}

// NewFaultyStore wraps inner with no faults armed
func NewFaultyStore(inner Store) *FaultyStore {
	return &FaultyStore{Store: inner, crashAfter: -1}
}

// FailNext makes the next n mutating calls fail without touching the inner store
func (f *FaultyStore) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// CrashAfter lets n more mutating calls through and fails every call after that
func (f *FaultyStore) CrashAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crashAfter = n
}

// TearNext makes the next n Persist calls that carry deletes write only the
// Writes half of the batch and then fail, modelling a backend that lost power
// between the two halves
func (f *FaultyStore) TearNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tearNext = n
}

// Heal disarms every fault
func (f *FaultyStore) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = 0
	f.crashAfter = -1
	f.tearNext = 0
}

// Calls returns the number of mutating calls seen
func (f *FaultyStore) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Failures returns the number of injected failures
func (f *FaultyStore) Failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

func (f *FaultyStore) fire(tearable bool) (fail, torn bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	switch {
	case f.failNext > 0:
		f.failNext--
		fail = true
	case f.crashAfter == 0:
		fail = true
	case f.crashAfter > 0:
		f.crashAfter--
	}
	if fail {
		f.failures++
		return true, false
	}
	if tearable && f.tearNext > 0 {
		f.tearNext--
		f.failures++
		return false, true
	}
	return false, false
}

// Persist forwards to the inner store unless a fault fires
func (f *FaultyStore) Persist(ctx context.Context, batch Batch) error {
	fail, torn := f.fire(len(batch.Deletes) > 0)
	if fail {
		return ErrInjected
	}
	if torn {
		if err := f.Store.WriteEntries(ctx, batch.Writes); err != nil {
			return err
		}
		return ErrInjected
	}
	return f.Store.Persist(ctx, batch)
}

// WriteEntries forwards to the inner store unless a fault fires
func (f *FaultyStore) WriteEntries(ctx context.Context, entries []tables.Entry) error {
	if fail, _ := f.fire(false); fail {
		return ErrInjected
	}
	return f.Store.WriteEntries(ctx, entries)
}

// DeleteEntries forwards to the inner store unless a fault fires
func (f *FaultyStore) DeleteEntries(ctx context.Context, keys []tables.Key) error {
	if fail, _ := f.fire(false); fail {
		return ErrInjected
	}
	return f.Store.DeleteEntries(ctx, keys)
}
