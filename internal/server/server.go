package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/relaymesh/drc/internal/control"
	"github.com/relaymesh/drc/internal/relay"
	"github.com/relaymesh/drc/internal/server/middleware"
	"github.com/relaymesh/drc/pkg/config"
	"github.com/relaymesh/drc/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	engine      *relay.Engine
	originGuard *middleware.OriginGuard
	control     *control.Watcher
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx        context.Context
	connCtx    context.Context
	connCancel context.CancelFunc
}

// NewApp wires the relay engine, the control watcher, and the HTTP host.
// loadConfig is re-invoked on reload signals to produce a fresh credential
// snapshot.
func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, loadConfig func() (*config.Config, error)) (*App, error) {
	snap, err := relay.BuildSnapshot(cfg.Whitelist, cfg.Tokens, cfg.Origins)
	if err != nil {
		return nil, err
	}
	guard := middleware.NewOriginGuard(snap.Origins)

	ctrl, err := control.New(logger, cfg.Control.NotifyBase)
	if err != nil {
		return nil, err
	}

	engine := relay.New(relay.Options{
		Logger:   logger,
		Snapshot: snap,
		LoadSnapshot: func() (*relay.Snapshot, error) {
			fresh, err := loadConfig()
			if err != nil {
				return nil, err
			}
			return relay.BuildSnapshot(fresh.Whitelist, fresh.Tokens, fresh.Origins)
		},
		SetOrigins: guard.SetOrigins,
		Control:    ctrl,
	})

	connCtx, connCancel := context.WithCancel(rootCtx)
	app := &App{
		logger:      logger,
		engine:      engine,
		originGuard: guard,
		control:     ctrl,
		config:      cfg,
		ctx:         rootCtx,
		connCtx:     connCtx,
		connCancel:  connCancel,
	}

	limiter := middleware.NewIPLimiter(cfg.Server.ConnectionLimit.MaxPerIP)
	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewOriginCheck(logger, guard),
			middleware.NewConnectionLimiter(logger, limiter),
		),
	)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return rootCtx
	}}

	return app, nil
}

// Run serves until the root context is cancelled or the engine observes a
// stop signal, then shuts down gracefully.
func (a *App) Run() error {
	go a.control.Watch()

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- a.engine.Run(a.ctx)
	}()

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	select {
	case <-a.ctx.Done():
	case err := <-engineDone:
		if err != nil && err != context.Canceled {
			a.logger.Error("Engine loop failed", slog.Any("error", err))
		}
	}
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	release := func() {}
	if reqMeta != nil && reqMeta.ReleaseSlot != nil {
		release = reqMeta.ReleaseSlot
	}

	// Origin was already enforced by the middleware chain against the
	// reloadable allow-set.
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		release()
		return
	}

	conn := transport.NewConnection(
		a.connCtx,
		&a.wg,
		wsConn,
		r.RemoteAddr,
		transport.ConnectionConfig{
			ReadTimeout: a.config.Transport.ReadTimeout,
			RateLimit: transport.RateLimitConfig{
				MessagesPerSecond: a.config.Transport.RateLimit.MessagesPerSecond,
				Burst:             a.config.Transport.RateLimit.Burst,
				Enabled:           a.config.Transport.RateLimit.Enabled,
			},
		},
		a.logger,
	)
	conn.SetOnMessageHandler(func(id int64, msg []byte) {
		a.engine.Inbound(id, msg)
	})
	conn.SetOnCloseHandler(func(id int64, err error) {
		a.engine.Disconnect(id)
		release()
	})

	// Registration must precede the read pump so membership events never
	// arrive before the session exists.
	a.engine.Connect(conn, reqMeta.IP)
	conn.Run()
	<-conn.Done()
}

// Shutdown performs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil && err != context.DeadlineExceeded {
		a.logger.Error("HTTP shutdown failed", slog.Any("error", err))
	}

	// Cancel every live WebSocket connection and wait for their goroutines
	// to finish cleanup.
	a.connCancel()
	a.wg.Wait()
	a.control.Close()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
