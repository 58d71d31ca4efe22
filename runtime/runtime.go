// Package runtime owns the process lifecycle: bringing up Config,
// Persistence, Crypto, Transport, Mesh and the Bus in that order,
// running the background tasks each component needs, and tearing
// everything down within a fixed shutdown budget.
package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"bigheads/bus"
	"bigheads/config"
	"bigheads/cryptochan"
	"bigheads/identity"
	"bigheads/mesh"
	"bigheads/store"
	"bigheads/transport"
)

// shutdownBudget bounds how long Stop waits for background tasks and
// the transport's peer disconnects before it gives up and returns
// anyway; the process must exit promptly regardless of network state.
const shutdownBudget = 5 * time.Second

// ExitCode mirrors the process exit codes a top-level main should use
// when New or Start fails.
type ExitCode int

const (
	ExitOK                 ExitCode = 0
	ExitConfigError        ExitCode = 2
	ExitPersistenceError   ExitCode = 3
	ExitNoTransportAdapter ExitCode = 4
)

// StartupError pairs a failure with the exit code the caller should
// report it under.
type StartupError struct {
	Code ExitCode
	Err  error
}

func (e *StartupError) Error() string { return e.Err.Error() }
func (e *StartupError) Unwrap() error { return e.Err }

// Runtime wires the six components together and owns their background
// goroutines. Construct with New, bring it up with Start, and always
// call Stop to shut down cleanly.
type Runtime struct {
	log *zap.Logger

	Config *config.Config
	Store  *store.Store
	Crypto *cryptochan.Manager
	Self   *identity.Identity

	Transport *transport.Manager
	Mesh      *mesh.Dispatcher
	Bus       *bus.Bus

	transportEvents chan transport.Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads configuration from r, opens the persistence store at
// dbPath, loads or generates this node's identity, and derives the
// group cipher, but does not yet start any background task or touch
// the radio. Call Start once New succeeds.
func New(log *zap.Logger, r io.Reader, dbPath string) (*Runtime, error) {
	cfg, err := config.Load(r)
	if err != nil {
		return nil, &StartupError{Code: ExitConfigError, Err: fmt.Errorf("runtime: load config: %w", err)}
	}

	st, err := store.New(dbPath, cfg.SeenLRULimit())
	if err != nil {
		return nil, &StartupError{Code: ExitPersistenceError, Err: fmt.Errorf("runtime: open store: %w", err)}
	}

	self, err := identity.Load(st)
	if err != nil {
		st.Close()
		return nil, &StartupError{Code: ExitPersistenceError, Err: fmt.Errorf("runtime: load identity: %w", err)}
	}

	groupKey := cryptochan.DeriveGroupKey(cfg.GroupPassphrase())
	group, err := cryptochan.NewGroupCipher(groupKey)
	if err != nil {
		st.Close()
		return nil, &StartupError{Code: ExitConfigError, Err: fmt.Errorf("runtime: build group cipher: %w", err)}
	}
	crypto := cryptochan.NewManager(group)

	b := bus.New()

	events := make(chan transport.Event, 256)
	tp := transport.NewManager(log, cfg.MaxConnections(), time.Duration(cfg.ScanIntervalSec())*time.Second, events)

	m := mesh.NewDispatcher(log, self.ID, cfg, st, crypto, tp, b)

	return &Runtime{
		log:             log,
		Config:          cfg,
		Store:           st,
		Crypto:          crypto,
		Self:            self,
		Transport:       tp,
		Mesh:            m,
		Bus:             b,
		transportEvents: events,
	}, nil
}

// Start brings up the transport radio and launches every background
// task: the dispatcher's inbound pipeline, the outbox sweeper, the
// handshake retry sweeper, file-chunk GC, an autosave tick and the
// transport event pump that feeds reassembled frames and peer
// lifecycle changes into the mesh layer.
func (rt *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	if err := rt.Transport.Start(ctx); err != nil {
		cancel()
		return &StartupError{Code: ExitNoTransportAdapter, Err: fmt.Errorf("runtime: start transport: %w", err)}
	}

	rt.spawn(func() { rt.Mesh.Run(ctx) })
	rt.spawn(func() { rt.Mesh.RunOutboxSweeper(ctx) })
	rt.spawn(func() { rt.Mesh.RunHandshakeRetrySweeper(ctx) })
	rt.spawn(func() { rt.Mesh.RunFileGC(ctx) })
	rt.spawn(func() { rt.autosaveLoop(ctx) })
	rt.spawn(func() { rt.pumpTransportEvents(ctx) })

	rt.log.Info("runtime started", zap.String("node_id", rt.Self.ID.String()))
	return nil
}

func (rt *Runtime) spawn(fn func()) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		fn()
	}()
}

// pumpTransportEvents feeds the transport manager's event stream into
// the mesh dispatcher and the bus: reassembled frames go to
// Dispatcher.Feed, connects trigger the outbox flush, and peer
// lifecycle and write-failure events are republished on
// TopicPeerState/TopicTransportEvent for the API layer.
func (rt *Runtime) pumpTransportEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rt.transportEvents:
			switch ev.Kind {
			case transport.EventFrameReceived:
				rt.Mesh.Feed(ev.PeerID, ev.Payload)
			case transport.EventPeerConnected:
				rt.Mesh.OnPeerConnected(ev.PeerID)
				rt.Bus.Publish(bus.TopicPeerState, bus.Event{Kind: bus.EventPeerConnected, Peer: ev.PeerID})
			case transport.EventPeerDisconnected:
				rt.Bus.Publish(bus.TopicPeerState, bus.Event{Kind: bus.EventPeerDisconnected, Peer: ev.PeerID})
			case transport.EventPeerDiscovered:
				rt.Bus.Publish(bus.TopicPeerState, bus.Event{Kind: bus.EventPeerDiscovered, Peer: ev.PeerID})
			case transport.EventWriteFailed:
				rt.Bus.Publish(bus.TopicTransportEvent, bus.Event{Kind: bus.EventTransportWriteFailed, Peer: ev.PeerID, Detail: ev.Address})
			}
		}
	}
}

const autosaveInterval = 30 * time.Second

// autosaveLoop periodically flushes the store. bbolt commits each
// write transactionally, so this is a cheap safety net rather than the
// thing keeping data durable; failures log and retry next tick rather
// than aborting the runtime.
func (rt *Runtime) autosaveLoop(ctx context.Context) {
	ticker := time.NewTicker(autosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.Store.Autosave(); err != nil {
				rt.log.Error("autosave failed, retrying next tick", zap.Error(err))
			}
		}
	}
}

// Stop cancels all background tasks, disconnects the transport and
// closes the store, giving the whole sequence shutdownBudget before
// returning regardless of what is still in flight.
func (rt *Runtime) Stop() error {
	if rt.cancel != nil {
		rt.cancel()
	}

	done := make(chan struct{})
	go func() {
		rt.Transport.Stop()
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownBudget):
		rt.log.Warn("shutdown budget exceeded, closing store anyway")
	}

	if err := rt.Store.Close(); err != nil {
		return fmt.Errorf("runtime: close store: %w", err)
	}
	return nil
}
