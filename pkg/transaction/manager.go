package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/raidcfg/pkg/log"
	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultStartTimeout bounds how long Start waits for the slot
	DefaultStartTimeout = 5 * time.Second
	// DefaultPollInterval is the retry interval while waiting for the slot
	DefaultPollInterval = 50 * time.Millisecond
)

// StartHook runs after a transaction took the slot and before Start returns.
// Returning an error releases the slot again.
type StartHook func(ctx context.Context, txn Transaction) error

// Options configures a Manager
type Options struct {
	StartTimeout time.Duration
	PollInterval time.Duration
	OnStart      StartHook
}

// Manager owns the single transaction slot
type Manager struct {
	mu       sync.Mutex
	current  *Transaction
	lastID   types.TransactionID
	released chan struct{}
	opts     Options
	logger   zerolog.Logger
}

// NewManager creates a manager with an empty slot
func NewManager(opts Options) *Manager {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Manager{
		released: make(chan struct{}),
		opts:     opts,
		logger:   log.WithComponent("transaction"),
	}
}

// Start takes the transaction slot. While another transaction holds it,
// Start retries until StartTimeout elapses and then fails with ErrAlreadyActive.
func (m *Manager) Start(ctx context.Context, typ types.TransactionType, kind Kind, job uint64) (types.TransactionID, error) {
	deadline := time.Now().Add(m.opts.StartTimeout)
	for {
		txn, wait := m.tryStart(typ, kind, job)
		if txn != nil {
			if m.opts.OnStart != nil {
				if err := m.opts.OnStart(ctx, *txn); err != nil {
					m.release(txn.ID)
					return types.InvalidTransactionID, fmt.Errorf("failed to start transaction: %w", err)
				}
			}
			logger := log.WithTransactionID(m.logger, uint64(txn.ID))
			logger.Debug().
				Str("kind", kind.String()).
				Uint64("job", job).
				Msg("Transaction started")
			return txn.ID, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return types.InvalidTransactionID, types.NewError(types.ErrAlreadyActive, "start", types.TableInvalid, types.InvalidObjectID, nil)
		}
		interval := m.opts.PollInterval
		if interval > remaining {
			interval = remaining
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.InvalidTransactionID, ctx.Err()
		case <-wait:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// TryStart takes the slot without waiting
func (m *Manager) TryStart(typ types.TransactionType, kind Kind, job uint64) (types.TransactionID, error) {
	txn, _ := m.tryStart(typ, kind, job)
	if txn == nil {
		return types.InvalidTransactionID, types.NewError(types.ErrAlreadyActive, "start", types.TableInvalid, types.InvalidObjectID, nil)
	}
	return txn.ID, nil
}

// tryStart returns a copy of the new transaction, or the channel closed on the next release
func (m *Manager) tryStart(typ types.TransactionType, kind Kind, job uint64) (*Transaction, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, m.released
	}
	m.lastID++
	m.current = &Transaction{
		ID:        m.lastID,
		Type:      typ,
		Kind:      kind,
		JobNumber: job,
		State:     types.TransactionActive,
		StartedAt: time.Now(),
		counts:    make(map[types.TableType]int),
	}
	txn := m.current.Copy()
	return &txn, nil
}

// lookup returns the current transaction if id names it. Caller holds mu.
func (m *Manager) lookup(op string, id types.TransactionID) (*Transaction, error) {
	if m.current == nil || m.current.ID != id {
		return nil, &types.DBError{Kind: types.ErrNotFound, Op: op, ObjectID: types.InvalidObjectID,
			Err: fmt.Errorf("transaction %d", id)}
	}
	return m.current, nil
}

// Stage appends a change to the working set of transaction id
func (m *Manager) Stage(id types.TransactionID, op types.EntryState, entry tables.Entry) error {
	if !op.IsStagingOp() {
		return &types.DBError{Kind: types.ErrValidationFailed, Op: "stage", Table: entry.Table,
			ObjectID: entry.ObjectID(), Err: fmt.Errorf("operation %s cannot be staged", op)}
	}

	if err := validateStaged(entry); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.lookup("stage", id)
	if err != nil {
		return err
	}
	if txn.State != types.TransactionActive {
		return &types.DBError{Kind: types.ErrInvalidState, Op: "stage", ObjectID: types.InvalidObjectID,
			Err: fmt.Errorf("transaction %d is %s", id, txn.State)}
	}
	if limit := txn.Kind.Limits().of(entry.Table); txn.counts[entry.Table] >= limit {
		return types.NewError(types.ErrCapacityExceeded, "stage", entry.Table, entry.ObjectID(),
			fmt.Errorf("%s transaction stages at most %d %s entries", txn.Kind, limit, entry.Table))
	}
	staged := entry.Clone()
	h := staged.Header()
	h.State = op
	staged.SetHeader(h)
	txn.Changes = append(txn.Changes, tables.Change{Op: op, Entry: staged})
	txn.counts[entry.Table]++
	return nil
}

// StageObject stages an object entry
func (m *Manager) StageObject(id types.TransactionID, op types.EntryState, e types.ObjectEntry) error {
	return m.Stage(id, op, tables.ObjectEntry(e))
}

// StageUser stages a user entry
func (m *Manager) StageUser(id types.TransactionID, op types.EntryState, e types.UserEntry) error {
	return m.Stage(id, op, tables.UserEntry(e))
}

// StageEdge stages an edge entry
func (m *Manager) StageEdge(id types.TransactionID, op types.EntryState, e types.EdgeEntry) error {
	return m.Stage(id, op, tables.EdgeEntry(e))
}

// StageGlobalInfo stages a global info entry
func (m *Manager) StageGlobalInfo(id types.TransactionID, op types.EntryState, e types.GlobalInfoEntry) error {
	return m.Stage(id, op, tables.GlobalInfoEntry(e))
}

// StageSpare stages a system spare entry
func (m *Manager) StageSpare(id types.TransactionID, op types.EntryState, e types.SystemSpareEntry) error {
	return m.Stage(id, op, tables.SpareEntry(e))
}

// NextGeneration stages the generation counter bump that accompanies a
// configuration change. It uses the transaction's global info allowance.
func (m *Manager) NextGeneration(id types.TransactionID, current uint64) (uint64, error) {
	next := current + 1
	g := types.GlobalInfoEntry{
		Header:     types.Header{ObjectID: types.InvalidObjectID},
		Type:       types.GlobalInfoGeneration,
		Generation: &types.GenerationInfo{Current: next},
	}
	if err := m.StageGlobalInfo(id, types.EntryModify, g); err != nil {
		return current, err
	}
	return next, nil
}

// Abort discards the working set. Legal from Active only.
func (m *Manager) Abort(id types.TransactionID) error {
	m.mu.Lock()
	txn, err := m.lookup("abort", id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if txn.State != types.TransactionActive {
		m.mu.Unlock()
		return &types.DBError{Kind: types.ErrInvalidState, Op: "abort", ObjectID: types.InvalidObjectID,
			Err: fmt.Errorf("transaction %d is %s", id, txn.State)}
	}
	m.releaseLocked()
	m.mu.Unlock()

	logger := log.WithTransactionID(m.logger, uint64(id))
	logger.Debug().Msg("Transaction aborted")
	return nil
}

// Begin moves an Active transaction to Commit or Rollback and returns a copy of it
func (m *Manager) Begin(id types.TransactionID, state types.TransactionState) (Transaction, error) {
	if state != types.TransactionCommit && state != types.TransactionRollback {
		return Transaction{}, &types.DBError{Kind: types.ErrInvalidState, Op: "begin", ObjectID: types.InvalidObjectID,
			Err: fmt.Errorf("cannot begin %s", state)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.lookup("begin", id)
	if err != nil {
		return Transaction{}, err
	}
	if txn.State != types.TransactionActive {
		return Transaction{}, &types.DBError{Kind: types.ErrInvalidState, Op: "begin", ObjectID: types.InvalidObjectID,
			Err: fmt.Errorf("transaction %d is %s", id, txn.State)}
	}
	txn.State = state
	return txn.Copy(), nil
}

// Finish releases the slot after the commit engine is done with the transaction
func (m *Manager) Finish(id types.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.lookup("finish", id)
	if err != nil {
		return err
	}
	if txn.State == types.TransactionActive {
		return &types.DBError{Kind: types.ErrInvalidState, Op: "finish", ObjectID: types.InvalidObjectID,
			Err: fmt.Errorf("transaction %d is still active", id)}
	}
	m.releaseLocked()
	return nil
}

func (m *Manager) release(id types.TransactionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.ID == id {
		m.releaseLocked()
	}
}

// releaseLocked empties the slot and wakes waiting starters. Caller holds mu.
func (m *Manager) releaseLocked() {
	m.current = nil
	close(m.released)
	m.released = make(chan struct{})
}

// Current returns a copy of the transaction holding the slot
func (m *Manager) Current() (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Transaction{}, false
	}
	return m.current.Copy(), true
}

// Get returns a copy of transaction id
func (m *Manager) Get(id types.TransactionID) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, err := m.lookup("get", id)
	if err != nil {
		return Transaction{}, err
	}
	return txn.Copy(), nil
}

func validateStaged(e tables.Entry) error {
	err := e.ValidatePayload()
	switch e.Table {
	case types.TableObject:
		if err == nil {
			err = e.Object.Validate()
		}
	case types.TableGlobalInfo:
		if err == nil {
			err = e.GlobalInfo.Validate()
		}
	}
	if err == nil && !e.ObjectID().Valid() && e.Table != types.TableGlobalInfo {
		err = fmt.Errorf("%w: %s entry without object id", types.ErrValidationFailed, e.Table)
	}
	if err != nil {
		return types.NewError(types.ErrValidationFailed, "stage", e.Table, e.ObjectID(), err)
	}
	return nil
}
