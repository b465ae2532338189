package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/records"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/rs/zerolog/log"
)

// RelayPath is where the relay websocket is mounted.
const RelayPath = "/ws"

type RelayOptions struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// relay is the hosted backend: records in sqlite, the topic hub, and the
// websocket server peers connect to.
type relay struct {
	db      *storage.DB
	hub     *realtime.Hub
	backend *records.LocalBackend
	server  *realtime.Server
	janitor *records.Janitor
}

func openRelay(peerDir string, cfg config.Config) (*relay, error) {
	db, err := storage.Open(util.ResolvePath(peerDir, cfg.Paths.DataDir))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	hub := realtime.NewHub()
	backend := records.NewLocalBackend(db, hub)

	auth := realtime.HeaderAuth()
	if cfg.Relay.JWTSecret != "" {
		auth = realtime.JWTAuth(cfg.Relay.JWTSecret)
	} else {
		log.Warn().Msg("relay: no jwt_secret configured, trusting the " + realtime.UserHeader + " header")
	}
	service := records.NewService(backend)
	srv := realtime.NewServer(hub, auth,
		realtime.WithMaxMessageBytes(cfg.Relay.MaxMessageBytes),
		realtime.WithTopicGuard(service.GuardTopic),
		realtime.WithErrorCoder(records.ErrorCode),
	)
	service.Register(srv)

	maxAge := time.Duration(cfg.Relay.StaleRingingSeconds) * time.Second
	janitor, err := records.NewJanitor(backend, maxAge, cfg.Relay.SweepSpec)
	if err != nil {
		_ = db.Close()
		hub.Close()
		return nil, err
	}

	return &relay{db: db, hub: hub, backend: backend, server: srv, janitor: janitor}, nil
}

func (r *relay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(RelayPath, r.server)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok %d connections\n", r.server.Connections())
	})
	return mux
}

// serve runs the relay on addr until ctx is cancelled.
func (r *relay) serve(ctx context.Context, addr string) error {
	r.janitor.Start()
	defer r.janitor.Stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           r.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", "ws://"+addr+RelayPath).Msg("relay: listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Websocket connections are hijacked, so Shutdown does not wait for them.
	r.server.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (r *relay) close() {
	r.server.Close()
	r.hub.Close()
	if err := r.db.Close(); err != nil {
		log.Warn().Err(err).Msg("relay: close database")
	}
}

func relayAddr(c config.Relay) string {
	bind := c.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	return net.JoinHostPort(bind, strconv.Itoa(c.Port))
}

// RunRelay hosts the call backend for remote peers.
func RunRelay(ctx context.Context, opt RelayOptions) error {
	cfg := opt.Cfg
	logBanner("relay", opt.PeerDir, opt.CfgPath, "")

	r, err := openRelay(opt.PeerDir, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	// A relay restarted mid-call leaves records nobody will finish.
	if n := r.janitor.Sweep(ctx); n > 0 {
		log.Info().Int("calls", n).Msg("relay: marked stale calls missed")
	}
	return r.serve(ctx, relayAddr(cfg.Relay))
}
