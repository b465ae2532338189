package app

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/records"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
)

// History lists the peer's most recent calls without starting the peer.
func History(ctx context.Context, peerDir string, cfg config.Config, limit int) ([]records.CallRecord, error) {
	self := cfg.Identity.UserID

	if cfg.Backend.Mode == "remote" {
		dialCtx, cancel := context.WithTimeout(ctx, util.DefaultDialTimeout)
		defer cancel()
		c, err := realtime.Dial(dialCtx, cfg.Backend.URL, realtime.DialOptions{
			UserID:         self,
			Token:          cfg.Backend.Token,
			RequestTimeout: time.Duration(cfg.Backend.RequestTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("connect relay %s: %w", cfg.Backend.URL, err)
		}
		defer c.Close()
		return records.NewLifecycle(records.NewRemoteBackend(c), self).History(ctx, limit)
	}

	db, err := storage.Open(util.ResolvePath(peerDir, cfg.Paths.DataDir))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	hub := realtime.NewHub()
	defer hub.Close()
	return records.NewLifecycle(records.NewLocalBackend(db, hub), self).History(ctx, limit)
}
