package ftps

import (
	"testing"
)

func TestParsePasvPort(t *testing.T) {
	port, err := parsePasvPort("Entering Passive Mode (192,168,1,50,217,88)")
	if err != nil {
		t.Fatalf("parsePasvPort failed: %v", err)
	}
	if port != 217*256+88 {
		t.Fatalf("unexpected port %d", port)
	}
}

func TestParsePasvPortMalformed(t *testing.T) {
	for _, msg := range []string{
		"Entering Passive Mode",
		"Entering Passive Mode (1,2,3)",
		"Entering Passive Mode (a,b,c,d,e,f)",
		")(",
	} {
		if _, err := parsePasvPort(msg); err == nil {
			t.Fatalf("expected error for %q", msg)
		}
	}
}

func TestModelListed(t *testing.T) {
	list := []string{"A1", "A1 mini"}

	if !modelListed("a1 MINI", list) {
		t.Fatal("expected case-insensitive match")
	}
	if !modelListed(" A1 ", list) {
		t.Fatal("expected whitespace-tolerant match")
	}
	if modelListed("X1C", list) {
		t.Fatal("expected no match for unlisted model")
	}
}

func TestModeCacheConfirmAndGet(t *testing.T) {
	cache := NewModeCache()

	if got := cache.Get("10.0.0.5"); got != "" {
		t.Fatalf("expected empty mode for cold cache, got %q", got)
	}

	cache.Confirm("10.0.0.5", ModeClear)
	if got := cache.Get("10.0.0.5"); got != ModeClear {
		t.Fatalf("expected clear mode, got %q", got)
	}

	if got := cache.Get("10.0.0.6"); got != "" {
		t.Fatalf("expected other address to stay cold, got %q", got)
	}

	cache.Forget("10.0.0.5")
	if got := cache.Get("10.0.0.5"); got != "" {
		t.Fatalf("expected forgotten address to be cold, got %q", got)
	}
}

func TestNewClientDefaults(t *testing.T) {
	client := NewClient(Config{}, nil)

	if client.cfg.Port != DefaultPort {
		t.Fatalf("expected default port %d, got %d", DefaultPort, client.cfg.Port)
	}
	if client.cfg.ConnectTimeout == 0 || client.cfg.IOTimeout == 0 || client.cfg.TransferTimeout == 0 {
		t.Fatal("expected timeout defaults to be filled in")
	}
	if client.modes == nil {
		t.Fatal("expected a mode cache to be created")
	}
}
