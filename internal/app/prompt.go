package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/goopcall/internal/config"
)

// PromptInteractive walks through the settings a new peer needs. Invalid
// answers keep the values cfg came in with.
func PromptInteractive(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "goopcall setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	next := cfg
	next.Identity.UserID = askString(in, w, "User id", next.Identity.UserID)

	remote := askBool(in, w, "Use a remote relay", next.Backend.Mode == "remote")
	if remote {
		next.Backend.Mode = "remote"
		next.Backend.URL = askString(in, w, "Relay URL (ws://host:port/ws)", next.Backend.URL)
		next.Backend.Token = askString(in, w, "Relay token (empty=dev header)", next.Backend.Token)
	} else {
		next.Backend.Mode = "local"
		next.Relay.Port = askInt(in, w, "Relay port for other peers", next.Relay.Port)
	}

	next.Viewer.HTTPAddr = askString(in, w, "Viewer HTTP addr (empty=off)", next.Viewer.HTTPAddr)
	if askBool(in, w, "Use synthetic media instead of devices", next.Media.Source == "synthetic") {
		next.Media.Source = "synthetic"
	} else {
		next.Media.Source = "device"
	}
	next.Call.RingTimeoutSeconds = askInt(in, w, "Ring timeout seconds", next.Call.RingTimeoutSeconds)

	if err := next.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous values.\n", err)
		return cfg
	}
	return next
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
