// Package viewer serves the local HTTP control surface of a peer: the call
// API, its event streams and the log tail.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type Viewer struct {
	Calls *call.Manager
	Video *call.VideoSurface
	Logs  *LogBuffer

	// AllowedOrigins lists browser origins allowed to use the API.
	// Empty allows loopback origins only.
	AllowedOrigins []string
}

// Handler returns the viewer's routes wrapped in CORS and live headers.
func (v Viewer) Handler() http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{AllowOrigin: v.originAllowed}
	if v.Calls != nil {
		deps.Calls = v.Calls
	}
	if v.Video != nil {
		deps.Video = v.Video
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	opts := cors.Options{
		AllowOriginFunc: v.originAllowed,
		AllowedMethods:  []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:  []string{"Content-Type"},
	}
	return cors.New(opts).Handler(liveHeaders(mux))
}

// originAllowed is the browser origin policy of the API and the media
// websocket: the configured origins, or loopback pages when none are set.
func (v Viewer) originAllowed(origin string) bool {
	if len(v.AllowedOrigins) == 0 {
		return loopbackOrigin(origin)
	}
	return lo.Contains(v.AllowedOrigins, "*") || lo.Contains(v.AllowedOrigins, origin)
}

func loopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Start serves the viewer on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           v.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("viewer: listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		// streams stay open until their clients leave
		return srv.Close()
	}
	return err
}
