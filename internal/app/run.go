package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/records"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
	"github.com/rs/zerolog/log"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// backend is where a peer's records and signaling live.
type backend struct {
	records records.Backend
	broker  realtime.Broker
	// done closes when the backend is gone for good (relay connection lost).
	done  <-chan struct{}
	err   func() error
	close func()
}

// Run runs one peer until ctx is cancelled or its relay connection drops.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := viewer.NewLogBuffer(800)
	if err := util.SetupLogging(cfg.Log.Level, cfg.Log.Pretty, logBuf); err != nil {
		return err
	}
	logBanner("peer", opt.PeerDir, opt.CfgPath, cfg.Identity.UserID)

	if opt.CfgPath != "" {
		err := config.Watch(opt.CfgPath, func(next config.Config) {
			if err := util.SetLevel(next.Log.Level); err != nil {
				log.Warn().Err(err).Msg("config: log level")
				return
			}
			log.Info().Str("level", next.Log.Level).Msg("config: reloaded")
		}, func(err error) {
			log.Warn().Err(err).Msg("config: ignoring invalid edit")
		})
		if err != nil {
			log.Warn().Err(err).Msg("config: watch disabled")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	be, err := openBackend(ctx, opt.PeerDir, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	acq, err := newAcquirer(cfg.Media)
	if err != nil {
		return err
	}
	peers, err := call.NewPeerFactory(acq, call.PeerOptionsFromConfig(cfg.Call))
	if err != nil {
		return err
	}

	audioDir := ""
	if cfg.Call.AudioDir != "" {
		audioDir = util.ResolvePath(opt.PeerDir, cfg.Call.AudioDir)
	}
	video := call.NewVideoSurface()

	self := cfg.Identity.UserID
	mgr := call.NewManager(call.ManagerConfig{
		Records:     records.NewLifecycle(be.records, self),
		Signaler:    signaling.New(be.broker, self),
		Acquirer:    acq,
		NewPeer:     peers.NewPeer,
		AudioDir:    audioDir,
		Video:       video,
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSeconds) * time.Second,
	})
	if err := mgr.Run(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	mgr.OnIncoming(func(ic *call.IncomingCall) {
		log.Info().
			Str("call", util.ShortID(ic.Record.ID)).
			Str("from", ic.Record.CallerID).
			Str("type", string(ic.Record.CallType)).
			Msg("incoming call")
	})

	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			err := viewer.Start(ctx, addr, viewer.Viewer{
				Calls:          mgr,
				Video:          video,
				Logs:           logBuf,
				AllowedOrigins: cfg.Viewer.AllowedOrigins,
			})
			if err != nil {
				log.Error().Err(err).Msg("viewer stopped")
				cancel()
			}
		}()
		if err := WaitTCP(addr, util.ShortTimeout); err != nil {
			log.Warn().Err(err).Msg("viewer: not reachable yet")
		} else {
			log.Info().Str("url", url).Msg("viewer: call API")
		}
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("peer: shutting down")
		return nil
	case <-be.done:
		if err := be.err(); err != nil {
			return fmt.Errorf("relay connection: %w", err)
		}
		return errors.New("relay connection closed")
	}
}

// openBackend hosts the relay in-process for backend.mode=local and dials
// the configured relay for backend.mode=remote.
func openBackend(ctx context.Context, peerDir string, cfg config.Config) (*backend, error) {
	self := cfg.Identity.UserID
	switch cfg.Backend.Mode {
	case "remote":
		timeout := time.Duration(cfg.Backend.RequestTimeoutSeconds) * time.Second
		dialCtx, cancel := context.WithTimeout(ctx, util.DefaultDialTimeout)
		defer cancel()
		c, err := realtime.Dial(dialCtx, cfg.Backend.URL, realtime.DialOptions{
			UserID:         self,
			Token:          cfg.Backend.Token,
			RequestTimeout: timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connect relay %s: %w", cfg.Backend.URL, err)
		}
		log.Info().Str("url", cfg.Backend.URL).Msg("backend: connected to relay")
		return &backend{
			records: records.NewRemoteBackend(c),
			broker:  c,
			done:    c.Done(),
			err:     c.Err,
			close:   func() { _ = c.Close() },
		}, nil

	default:
		r, err := openRelay(peerDir, cfg)
		if err != nil {
			return nil, err
		}
		serveCtx, stop := context.WithCancel(ctx)
		served := make(chan struct{})
		go func() {
			defer close(served)
			if err := r.serve(serveCtx, relayAddr(cfg.Relay)); err != nil {
				log.Error().Err(err).Msg("relay stopped")
			}
		}()
		return &backend{
			records: r.backend,
			broker:  r.hub.As(self),
			err:     func() error { return nil },
			close: func() {
				stop()
				<-served
				r.close()
			},
		}, nil
	}
}

func newAcquirer(c config.Media) (media.Acquirer, error) {
	cons := media.DefaultConstraints()
	cons.VideoMaxWidth = c.VideoMaxWidth
	cons.VideoMaxHeight = c.VideoMaxHeight

	var next media.Acquirer
	switch c.Source {
	case "synthetic":
		next = media.NewSyntheticAcquirer(cons)
	default:
		dev, err := media.NewDeviceAcquirer(cons)
		if err != nil {
			return nil, fmt.Errorf("media devices: %w", err)
		}
		next = dev
	}
	base := time.Duration(c.RetryBaseMillis) * time.Millisecond
	return media.NewRetryAcquirer(next, c.RetryMaxAttempts, base), nil
}
