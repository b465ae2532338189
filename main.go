package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/records"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	tokenTTL = flag.Duration("ttl", 30*24*time.Hour, "Lifetime of tokens minted by the token command")
	limit    = flag.Int("n", 20, "Number of calls listed by the history command")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	dir, err := peerDir(args[1])
	if err != nil {
		fatalf("%v", err)
	}
	loadDotEnv(dir)
	cfgPath := filepath.Join(dir, config.FileName)

	switch args[0] {
	case "init":
		runInit(dir, cfgPath)
	case "peer":
		runPeer(dir, cfgPath)
	case "relay":
		runRelay(dir, cfgPath)
	case "token":
		if len(args) < 3 {
			fatalf("usage: goopcall token <directory> <user-id>")
		}
		runToken(cfgPath, args[2])
	case "history":
		runHistory(dir, cfgPath)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func peerDir(arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("invalid directory: %v", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create directory: %v", err)
	}
	return abs, nil
}

// loadDotEnv lets a .env file in the peer directory set GOOPCALL_* overrides.
func loadDotEnv(dir string) {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: .env: %v\n", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runInit(dir, cfgPath string) {
	cfg := config.Default()
	if existing, err := config.Load(cfgPath); err == nil {
		cfg = existing
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, dir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		fatalf("save config: %v", err)
	}
	color.Green("Wrote %s", cfgPath)
}

func runPeer(dir, cfgPath string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fatalf("no config in %s, run: goopcall init %s", dir, dir)
		}
		fatalf("load config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{PeerDir: dir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		fatalf("peer failed: %v", err)
	}
}

func runRelay(dir, cfgPath string) {
	cfg, created, err := config.Ensure(cfgPath, "relay")
	if err != nil {
		fatalf("load config: %v", err)
	}
	if created {
		color.Yellow("Created default config %s (set relay.jwt_secret before exposing the relay)", cfgPath)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunRelay(ctx, app.RelayOptions{PeerDir: dir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		fatalf("relay failed: %v", err)
	}
}

func runToken(cfgPath, userID string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if cfg.Relay.JWTSecret == "" {
		fatalf("relay.jwt_secret is not set in %s", cfgPath)
	}
	tok, err := realtime.MintToken(cfg.Relay.JWTSecret, userID, *tokenTTL)
	if err != nil {
		fatalf("mint token: %v", err)
	}
	fmt.Println(tok)
}

func runHistory(dir, cfgPath string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	ctx, cancel := signalContext()
	defer cancel()

	recs, err := app.History(ctx, dir, cfg, *limit)
	if err != nil {
		fatalf("history: %v", err)
	}
	if len(recs) == 0 {
		fmt.Println("No calls yet.")
		return
	}

	self := cfg.Identity.UserID
	bold := color.New(color.Bold)
	for _, r := range recs {
		arrow := "→"
		if r.ReceiverID == self {
			arrow = "←"
		}
		fmt.Printf("%s  %s %-20s %-6s ", r.CreatedAt.Local().Format("2006-01-02 15:04"), arrow, r.Peer(self), r.CallType)
		statusColor(r.Status).Printf("%-10s", r.Status)
		if d := r.Duration(); d > 0 {
			bold.Printf(" %s", d.Round(time.Second))
		}
		fmt.Println()
	}
}

func statusColor(s records.Status) *color.Color {
	switch s {
	case records.StatusCompleted:
		return color.New(color.FgGreen)
	case records.StatusMissed, records.StatusRejected:
		return color.New(color.FgRed)
	case records.StatusOngoing:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgYellow)
	}
}

func fatalf(format string, args ...any) {
	color.New(color.FgRed).Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func showUsage() {
	fmt.Println("goopcall - voice and video calls over WebRTC")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall [options] <command> <directory> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init <directory>            Create or edit the peer's " + config.FileName)
	fmt.Println("  peer <directory>            Run a peer: call API, media and signaling")
	fmt.Println("  relay <directory>           Host call records and signaling for remote peers")
	fmt.Println("  token <directory> <user>    Mint a relay token with the relay's jwt_secret")
	fmt.Println("  history <directory>         Print the most recent calls")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h          Show this help message")
	fmt.Println("  -version    Show version information")
	fmt.Println("  -ttl d      Token lifetime (default 720h)")
	fmt.Println("  -n N        Calls listed by history (default 20)")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  " + config.EnvPrefix + "_<SECTION>_<KEY> overrides any config key, e.g. " + config.EnvPrefix + "_BACKEND_URL.")
	fmt.Println("  A .env file in the directory is loaded first.")
}
