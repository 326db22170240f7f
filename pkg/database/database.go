package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/raidcfg/pkg/events"
	"github.com/cuemby/raidcfg/pkg/log"
	"github.com/cuemby/raidcfg/pkg/metrics"
	"github.com/cuemby/raidcfg/pkg/storage"
	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/transaction"
	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/rs/zerolog"
)

const (
	DefaultPersistRetries       = 3
	DefaultPersistRetryInterval = 100 * time.Millisecond
)

// Replicator ships committed changes to the peer controller. With wait set
// it returns only once the peer acknowledged or the ack timed out.
type Replicator interface {
	Replicate(ctx context.Context, txn types.TransactionID, changes []tables.Change, wait bool) error
}

// Options configures a Database
type Options struct {
	Store                storage.Store
	Capacity             int
	PersistRetries       int
	PersistRetryInterval time.Duration
	StartTimeout         time.Duration
	PollInterval         time.Duration
	Broker               *events.Broker
	Replicator           Replicator
	Policies             []Policy
}

// Database owns the committed tables, the transaction slot and the system
// state flag. One Database is one controller's view of the configuration.
type Database struct {
	opts   Options
	store  storage.Store
	tables *tables.Store
	txns   *transaction.Manager
	broker *events.Broker
	logger zerolog.Logger

	// commitMu serializes persist+apply between local commits and peer updates
	commitMu   sync.Mutex
	replicator Replicator

	stateMu sync.RWMutex
	state   types.DatabaseState
	reason  types.ServiceModeReason

	lastEntryID atomic.Uint64
}

// Open loads the persisted image into memory. Load or validation problems do
// not fail Open: the database comes up in service mode with the reason set,
// so lookups keep working for the operator.
func Open(ctx context.Context, opts Options) (*Database, error) {
	if opts.Store == nil {
		return nil, errors.New("database: store is required")
	}
	if opts.PersistRetries < 1 {
		opts.PersistRetries = DefaultPersistRetries
	}
	if opts.PersistRetryInterval <= 0 {
		opts.PersistRetryInterval = DefaultPersistRetryInterval
	}

	d := &Database{
		opts:       opts,
		store:      opts.Store,
		tables:     tables.New(opts.Capacity),
		broker:     opts.Broker,
		replicator: opts.Replicator,
		logger:     log.WithComponent("database"),
		state:      types.StateInvalid,
	}
	d.txns = transaction.NewManager(transaction.Options{
		StartTimeout: opts.StartTimeout,
		PollInterval: opts.PollInterval,
		OnStart:      d.admit,
	})

	if err := d.load(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload discards the in-memory tables and rebuilds them from the store.
// It is how an operator leaves Degraded once the backend is healthy again.
func (d *Database) Reload(ctx context.Context) error {
	if _, busy := d.txns.Current(); busy {
		return types.NewError(types.ErrAlreadyActive, "reload", types.TableInvalid, types.InvalidObjectID, nil)
	}
	d.commitMu.Lock()
	defer d.commitMu.Unlock()
	return d.loadLocked(ctx)
}

func (d *Database) load(ctx context.Context) error {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()
	return d.loadLocked(ctx)
}

func (d *Database) loadLocked(ctx context.Context) error {
	d.setState(types.StateInitializing, types.ReasonNone)

	img, err := d.store.Load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reason := types.ReasonOf(err)
		if reason == types.ReasonNone {
			reason = types.ReasonSystemDBHeaderIOError
		}
		d.logger.Error().Err(err).Str("reason", reason.String()).Msg("Failed to load configuration")
		d.setState(types.StateServiceMode, reason)
		return nil
	}

	if err := d.tables.Replace(img.Entries); err != nil {
		d.logger.Error().Err(err).Msg("Persisted configuration does not fit the tables")
		d.setState(types.StateServiceMode, types.ReasonDBValidationFailed)
		return nil
	}
	if err := d.validateIntegrity(); err != nil {
		d.logger.Error().Err(err).Msg("Persisted configuration failed validation")
		d.setState(types.StateServiceMode, types.ReasonDBValidationFailed)
		return nil
	}

	var maxID uint64
	for _, e := range img.Entries {
		if id := e.Header().EntryID; id > maxID {
			maxID = id
		}
	}
	d.lastEntryID.Store(maxID)

	if err := d.initGlobalInfo(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to initialize global info")
		d.setState(types.StateServiceMode, types.ReasonOf(err))
		return nil
	}
	d.setState(types.StateInitialized, types.ReasonNone)

	d.logger.Info().
		Int("entries", len(img.Entries)).
		Uint32("schema_version", img.Version).
		Msg("Configuration loaded")
	d.setState(types.StateReady, types.ReasonNone)
	return nil
}

// initGlobalInfo persists and installs default singletons that are missing
func (d *Database) initGlobalInfo(ctx context.Context) error {
	var missing []tables.Entry
	for _, t := range types.GlobalInfoTypes {
		if _, err := d.tables.GlobalInfo(t); err == nil {
			continue
		}
		g := types.DefaultGlobalInfo(t)
		g.Header.EntryID = d.nextEntryID()
		missing = append(missing, tables.GlobalInfoEntry(g))
	}
	if len(missing) == 0 {
		return nil
	}
	if err := d.persist(ctx, storage.Batch{Writes: missing}); err != nil {
		return err
	}
	changes := make([]tables.Change, 0, len(missing))
	for _, e := range missing {
		changes = append(changes, tables.Change{Op: types.EntryValid, Entry: e})
	}
	return d.tables.Apply(changes)
}

func (d *Database) nextEntryID() uint64 {
	return d.lastEntryID.Add(1)
}

// admit runs when a transaction takes the slot; only a Ready database accepts changes
func (d *Database) admit(_ context.Context, txn transaction.Transaction) error {
	state, reason := d.status()
	if state.AcceptsTransactions() {
		metrics.TransactionsStarted.WithLabelValues(txn.Kind.String()).Inc()
		return nil
	}
	kind := types.ErrInvalidState
	if state == types.StateServiceMode || state == types.StateCorrupt {
		kind = types.ErrServiceMode
	}
	return &types.DBError{Kind: kind, Op: "start", ObjectID: types.InvalidObjectID, Reason: reason,
		Err: fmt.Errorf("database is %s", state)}
}

// SetReplicator attaches the peer link after Open
func (d *Database) SetReplicator(r Replicator) {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()
	d.replicator = r
}

// State returns the system state flag
func (d *Database) State() types.DatabaseState {
	state, _ := d.status()
	return state
}

// ServiceModeReason returns why the database left normal operation, if it did
func (d *Database) ServiceModeReason() types.ServiceModeReason {
	_, reason := d.status()
	return reason
}

func (d *Database) status() (types.DatabaseState, types.ServiceModeReason) {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state, d.reason
}

// SetState changes the system state flag. The controller uses it around
// peer resynchronization.
func (d *Database) SetState(state types.DatabaseState) {
	d.setState(state, types.ReasonNone)
}

// EnterServiceMode stops accepting transactions until an operator intervenes
func (d *Database) EnterServiceMode(reason types.ServiceModeReason) {
	d.setState(types.StateServiceMode, reason)
}

func (d *Database) setState(state types.DatabaseState, reason types.ServiceModeReason) {
	d.stateMu.Lock()
	prev := d.state
	d.state = state
	d.reason = reason
	d.stateMu.Unlock()

	metrics.UpdateDatabaseHealth(state, reason)
	if prev == state {
		return
	}

	ev := d.logger.Info()
	if reason != types.ReasonNone {
		ev = d.logger.Warn().Str("reason", reason.String())
	}
	ev.Str("from", string(prev)).Str("to", string(state)).Msg("Database state changed")

	d.publish(&events.Event{
		Type:     events.EventDatabaseState,
		ObjectID: types.InvalidObjectID,
		Message:  string(state),
		Metadata: map[string]string{"from": string(prev), "reason": reason.String()},
	})
}

func (d *Database) publish(ev *events.Event) {
	if d.broker != nil {
		d.broker.Publish(ev)
	}
}

// Tables exposes the committed tables for read-only use
func (d *Database) Tables() *tables.Store {
	return d.tables
}

// Close releases the store
func (d *Database) Close() error {
	d.setState(types.StateDestroying, types.ReasonNone)
	return d.store.Close()
}
