package app

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/records"
)

func startRelay(t *testing.T) (config.Config, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.UserID = "relay"
	cfg.Paths.DataDir = t.TempDir()

	addr := freeAddr(t)
	_, port, _ := strings.Cut(addr, ":")
	cfg.Relay.Port, _ = strconv.Atoi(port)

	r, err := openRelay(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("openRelay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- r.serve(ctx, relayAddr(cfg.Relay)) }()
	t.Cleanup(func() {
		cancel()
		if err := <-served; err != nil {
			t.Errorf("serve: %v", err)
		}
		r.close()
	})

	if err := WaitTCP(addr, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	return cfg, addr
}

func TestRelayHealthz(t *testing.T) {
	_, addr := startRelay(t)

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(string(body), "ok ") {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
}

func TestHistoryOverRelay(t *testing.T) {
	_, addr := startRelay(t)
	ctx := context.Background()
	url := "ws://" + addr + RelayPath

	c, err := realtime.Dial(ctx, url, realtime.DialOptions{UserID: "alice", RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	rec, err := records.NewLifecycle(records.NewRemoteBackend(c), "alice").CreateCall(ctx, "alice", "bob", records.Video)
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	peer := config.Default()
	peer.Identity.UserID = "bob"
	peer.Backend.Mode = "remote"
	peer.Backend.URL = url

	recs, err := History(ctx, t.TempDir(), peer, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Fatalf("history = %+v", recs)
	}
	if recs[0].Peer("bob") != "alice" {
		t.Fatalf("peer = %q", recs[0].Peer("bob"))
	}
}

func TestHistoryLocalEmpty(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.UserID = "alice"

	recs, err := History(context.Background(), t.TempDir(), cfg, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no calls, got %d", len(recs))
	}
}

func TestRelayAddr(t *testing.T) {
	if got := relayAddr(config.Relay{Port: 8790}); got != "127.0.0.1:8790" {
		t.Fatalf("default bind: %q", got)
	}
	if got := relayAddr(config.Relay{Bind: "0.0.0.0", Port: 1}); got != "0.0.0.0:1" {
		t.Fatalf("explicit bind: %q", got)
	}
}
