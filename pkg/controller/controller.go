package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/raidcfg/pkg/config"
	"github.com/cuemby/raidcfg/pkg/database"
	"github.com/cuemby/raidcfg/pkg/events"
	"github.com/cuemby/raidcfg/pkg/log"
	"github.com/cuemby/raidcfg/pkg/metrics"
	"github.com/cuemby/raidcfg/pkg/peer"
	"github.com/cuemby/raidcfg/pkg/storage"
	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JournalFile is the peer journal inside the data directory
const JournalFile = "peer-journal.db"

// Controller is one storage controller: its configuration database, the
// link to the peer controller and the metrics endpoint
type Controller struct {
	cfg       config.Config
	sessionID string
	logger    zerolog.Logger

	store     *storage.BoltStore
	broker    *events.Broker
	db        *database.Database
	journal   *peer.Journal
	transport peer.Transport
	node      *peer.Node
	collector *metrics.Collector
	http      *http.Server

	watch  events.Subscriber
	stopCh chan struct{}
}

// Option customizes a Controller
type Option func(*Controller)

// WithTransport links to the peer over tr instead of listening on
// cfg.Peer.ListenAddr
func WithTransport(tr peer.Transport) Option {
	return func(c *Controller) { c.transport = tr }
}

// New opens the data directory and the database. The controller is not
// serving until Start.
func New(cfg config.Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	c := &Controller{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.WithControllerID(cfg.ControllerID).With().Str("session", c.sessionID).Logger()

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	c.store = store

	c.broker = events.NewBroker()
	c.broker.Start()

	db, err := database.Open(context.Background(), database.Options{
		Store:                store,
		Capacity:             cfg.Database.Capacity,
		PersistRetries:       cfg.Database.PersistRetries,
		PersistRetryInterval: cfg.Database.PersistRetryInterval,
		StartTimeout:         cfg.Transaction.StartTimeout,
		PollInterval:         cfg.Transaction.PollInterval,
		Broker:               c.broker,
		Policies: []database.Policy{
			database.SpareDrivePolicy{IsSystem: database.SystemObjects(types.ObjectID(cfg.Database.SystemObjects))},
			database.EdgeCapacityPolicy{},
		},
	})
	if err != nil {
		c.broker.Stop()
		_ = store.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c.db = db

	if cfg.Peer.PeerAddr != "" || c.transport != nil {
		if err := c.openPeer(); err != nil {
			_ = c.Shutdown()
			return nil, err
		}
	}

	var journal metrics.JournalSource
	if c.journal != nil {
		journal = c.journal
	}
	c.collector = metrics.NewCollector(db, journal)
	return c, nil
}

func (c *Controller) openPeer() error {
	journal, err := peer.OpenJournal(filepath.Join(c.cfg.DataDir, JournalFile))
	if err != nil {
		return err
	}
	c.journal = journal

	if c.transport == nil {
		tr, err := peer.Listen(c.cfg.Peer.ListenAddr, c.cfg.Peer.PeerAddr)
		if err != nil {
			return fmt.Errorf("failed to open peer link: %w", err)
		}
		c.transport = tr
	}

	c.node = peer.NewNode(peer.Config{
		Self:              c.cfg.ControllerID,
		AckTimeout:        c.cfg.Peer.AckTimeout,
		HeartbeatInterval: c.cfg.Peer.HeartbeatInterval,
		HeartbeatMisses:   c.cfg.Peer.HeartbeatMisses,
		ChunkSize:         c.cfg.Peer.ResyncChunkSize,
	}, c.transport, journal, c.db, c.broker)
	c.db.SetReplicator(c.node)
	return nil
}

// Start brings the controller into service. With a peer configured it
// first resynchronizes from the peer or takes authority.
func (c *Controller) Start(ctx context.Context) error {
	metrics.SetCriticalComponents(metrics.ComponentDatabase, metrics.ComponentStorage)
	metrics.RegisterComponent(metrics.ComponentStorage, true, c.store.Path())

	if c.node != nil {
		metrics.RegisterComponent(metrics.ComponentPeer, false, string(peer.PeerUnknown))
		c.watch = c.broker.SubscribeTypes(events.EventPeerLost, events.EventPeerJoined)
		go c.watchPeer(c.watch)

		if err := c.node.Start(); err != nil {
			return err
		}
		authoritative, err := c.node.Rejoin(ctx)
		if err != nil {
			return fmt.Errorf("failed to join peer: %w", err)
		}
		c.logger.Info().Bool("authoritative", authoritative).Msg("Peer link established")
	}

	c.collector.Start()
	if c.cfg.MetricsAddr != "" {
		c.serveHTTP()
	}

	c.logger.Info().
		Str("state", string(c.db.State())).
		Uint64("generation", c.db.Generation()).
		Msg("Controller started")
	return nil
}

func (c *Controller) serveHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	c.http = &http.Server{
		Addr:              c.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := c.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	c.logger.Info().Str("addr", c.cfg.MetricsAddr).Msg("Metrics endpoint listening")
}

func (c *Controller) watchPeer(sub events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventPeerJoined:
				metrics.UpdateComponent(metrics.ComponentPeer, true, string(peer.PeerAlive))
			case events.EventPeerLost:
				metrics.UpdateComponent(metrics.ComponentPeer, false, "lost: "+ev.Message)
			}
		case <-c.stopCh:
			return
		}
	}
}

// Database returns the configuration database
func (c *Controller) Database() *database.Database {
	return c.db
}

// Node returns the peer link, nil when running alone
func (c *Controller) Node() *peer.Node {
	return c.node
}

// Broker returns the notification broker
func (c *Controller) Broker() *events.Broker {
	return c.broker
}

// SessionID identifies this run of the controller in logs
func (c *Controller) SessionID() string {
	return c.sessionID
}

// Shutdown stops serving and closes the database
func (c *Controller) Shutdown() error {
	select {
	case <-c.stopCh:
		return nil
	default:
		close(c.stopCh)
	}

	var errs []error
	if c.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop metrics server: %w", err))
		}
		cancel()
	}
	if c.collector != nil {
		c.collector.Stop()
	}
	if c.node != nil {
		c.node.Stop()
	}
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close peer link: %w", err))
		}
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
		}
	}
	if c.watch != nil {
		c.broker.Unsubscribe(c.watch)
	}
	c.broker.Stop()
	if err := c.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}

	c.logger.Info().Msg("Controller stopped")
	return errors.Join(errs...)
}
