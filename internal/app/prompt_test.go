package app

import (
	"bytes"
	"strings"
	"testing"

	"github.com/petervdpas/goopcall/internal/config"
)

func TestPromptDefaultsOnEmptyInput(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.UserID = "alice"

	var out bytes.Buffer
	got := PromptInteractive(strings.NewReader(""), &out, "/tmp/peer", "/tmp/peer/goopcall.json", cfg)

	if got.Identity.UserID != "alice" || got.Backend.Mode != "local" {
		t.Fatalf("got %+v %+v", got.Identity, got.Backend)
	}
	if got.Media.Source != "device" || got.Call.RingTimeoutSeconds != 45 {
		t.Fatalf("media=%q ring=%d", got.Media.Source, got.Call.RingTimeoutSeconds)
	}
	if !strings.Contains(out.String(), "User id [alice]") {
		t.Fatalf("prompt output missing default: %q", out.String())
	}
}

func TestPromptLocalAnswers(t *testing.T) {
	in := strings.NewReader("bob\nn\n9500\n:8080\ny\n20\n")
	var out bytes.Buffer
	got := PromptInteractive(in, &out, "p", "p/c.json", config.Default())

	if got.Identity.UserID != "bob" {
		t.Fatalf("user=%q", got.Identity.UserID)
	}
	if got.Relay.Port != 9500 || got.Viewer.HTTPAddr != ":8080" {
		t.Fatalf("port=%d addr=%q", got.Relay.Port, got.Viewer.HTTPAddr)
	}
	if got.Media.Source != "synthetic" || got.Call.RingTimeoutSeconds != 20 {
		t.Fatalf("media=%q ring=%d", got.Media.Source, got.Call.RingTimeoutSeconds)
	}
}

func TestPromptRemoteRelay(t *testing.T) {
	in := strings.NewReader("carol\nyes\nws://relay.example:8790/ws\nsecret-token\n\nn\n\n")
	var out bytes.Buffer
	got := PromptInteractive(in, &out, "p", "p/c.json", config.Default())

	if got.Backend.Mode != "remote" {
		t.Fatalf("mode=%q", got.Backend.Mode)
	}
	if got.Backend.URL != "ws://relay.example:8790/ws" || got.Backend.Token != "secret-token" {
		t.Fatalf("backend=%+v", got.Backend)
	}
}

func TestPromptRetriesBadNumbers(t *testing.T) {
	in := strings.NewReader("dave\nmaybe\nn\nabc\n9600\n\n\n\n")
	var out bytes.Buffer
	got := PromptInteractive(in, &out, "p", "p/c.json", config.Default())

	if got.Relay.Port != 9600 {
		t.Fatalf("port=%d", got.Relay.Port)
	}
	s := out.String()
	if !strings.Contains(s, "Please enter y or n.") || !strings.Contains(s, "Please enter a number.") {
		t.Fatalf("expected retry hints, got %q", s)
	}
}

func TestPromptInvalidKeepsPrevious(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.UserID = "erin"

	// A remote relay without a usable URL fails validation.
	in := strings.NewReader("\ny\nhttp://relay\n\n\n\n\n")
	var out bytes.Buffer
	got := PromptInteractive(in, &out, "p", "p/c.json", cfg)

	if got.Backend.Mode != "local" || got.Backend.URL != "" {
		t.Fatalf("expected original config back, got %+v", got.Backend)
	}
	if !strings.Contains(out.String(), "Invalid config") {
		t.Fatalf("missing validation message: %q", out.String())
	}
}
