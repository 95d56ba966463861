package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// maintenanceInterval throttles grant sweeps and control-signal checks.
const maintenanceInterval = 3 * time.Second

// ControlSignals is the process-control collaborator, polled on the
// maintenance cadence.
type ControlSignals interface {
	StopRequested() bool
	ReloadRequested() bool
	AckReload() error
}

// Options wires the engine's collaborators.
type Options struct {
	Logger *slog.Logger
	// Snapshot is the initial credential generation.
	Snapshot *Snapshot
	// LoadSnapshot produces a fresh credential snapshot on reload. A load
	// failure leaves the previous snapshot active.
	LoadSnapshot func() (*Snapshot, error)
	// SetOrigins pushes the allowed-origins set to the transport host after
	// a reload. May be nil.
	SetOrigins func([]string)
	// Control supplies stop/reload signals. May be nil.
	Control ControlSignals
}

// Engine owns all broker state: sessions, the channel registry, the grant
// table, and the credential store. Every mutation happens on the goroutine
// running Run, fed by a single event channel, so no locking is needed and a
// message's entire fan-out is atomic with respect to other events.
type Engine struct {
	logger   *slog.Logger
	creds    *CredentialStore
	grants   *GrantTable
	registry *ChannelRegistry
	sessions map[int64]*session

	loadSnapshot func() (*Snapshot, error)
	setOrigins   func([]string)
	control      ControlSignals

	events chan event
	done   chan struct{}
}

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evMessage
)

type event struct {
	kind eventKind
	peer Peer
	id   int64
	ip   string
	data []byte
}

func New(opts Options) *Engine {
	return &Engine{
		logger:       opts.Logger.With(slog.String("component", "relay_engine")),
		creds:        NewCredentialStore(opts.Snapshot),
		grants:       NewGrantTable(),
		registry:     NewChannelRegistry(),
		sessions:     make(map[int64]*session),
		loadSnapshot: opts.LoadSnapshot,
		setOrigins:   opts.SetOrigins,
		control:      opts.Control,
		events:       make(chan event, 1024),
		done:         make(chan struct{}),
	}
}

// Connect announces a newly established connection. ip must already be
// normalized (NormalizeIP).
func (e *Engine) Connect(p Peer, ip string) {
	e.post(event{kind: evConnect, peer: p, id: p.ID(), ip: ip})
}

// Disconnect announces that a connection is permanently gone.
func (e *Engine) Disconnect(id int64) {
	e.post(event{kind: evDisconnect, id: id})
}

// Inbound hands one decoded frame to the engine.
func (e *Engine) Inbound(id int64, data []byte) {
	e.post(event{kind: evMessage, id: id, data: data})
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// Run is the engine's event loop. It returns when the context is cancelled
// or a stop signal arrives via the control collaborator.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.handleEvent(ev)
		case now := <-ticker.C:
			if stop := e.maintain(now); stop {
				return nil
			}
		}
	}
}

func (e *Engine) handleEvent(ev event) {
	switch ev.kind {
	case evConnect:
		e.handleConnect(ev.peer, ev.ip)
	case evDisconnect:
		e.handleDisconnect(ev.id)
	case evMessage:
		if sess, ok := e.sessions[ev.id]; ok {
			e.handleMessage(sess, ev.data)
		}
	}
}

func (e *Engine) handleConnect(p Peer, ip string) {
	e.sessions[p.ID()] = newSession(p, ip)
	e.logger.Info("client connected",
		slog.Int64("connID", p.ID()),
		slog.String("ip", ip),
	)
}

func (e *Engine) handleDisconnect(id int64) {
	sess, ok := e.sessions[id]
	if !ok {
		return
	}
	for chID := range sess.memberships {
		e.leaveChannel(sess, chID)
	}
	delete(e.sessions, id)
	e.logger.Info("client disconnected", slog.Int64("connID", id))
}

// maintain runs once per maintenance tick: sweep expired grants, then apply
// pending control signals. Returns true when a stop was requested.
func (e *Engine) maintain(now time.Time) bool {
	e.grants.Sweep(now)
	if e.control == nil {
		return false
	}
	if e.control.StopRequested() {
		e.logger.Info("stop requested")
		return true
	}
	if e.control.ReloadRequested() {
		e.reload()
	}
	return false
}

// reload disconnects every live connection through the normal leave path,
// swaps the credential snapshot, and acknowledges completion. Existing
// memberships are never migrated across generations.
func (e *Engine) reload() {
	e.logger.Info("reload requested, disconnecting all clients")
	for id, sess := range e.sessions {
		for chID := range sess.memberships {
			e.leaveChannel(sess, chID)
		}
		delete(e.sessions, id)
		sess.peer.Close(errors.New("configuration reload"))
	}
	if e.loadSnapshot != nil {
		snap, err := e.loadSnapshot()
		if err != nil {
			e.logger.Error("reload failed, keeping previous credentials", slog.Any("error", err))
		} else {
			e.creds.Reload(snap)
			if e.setOrigins != nil {
				e.setOrigins(snap.Origins)
			}
			e.logger.Info("configuration reloaded")
		}
	}
	if err := e.control.AckReload(); err != nil {
		e.logger.Error("failed to acknowledge reload", slog.Any("error", err))
	}
}
