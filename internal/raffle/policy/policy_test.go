package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombola-engine/tombola/internal/raffle"
)

const testCatalog = `
default = "standard"

[policies.standard]
ticket_price = 100
capacity = 1000
fee_bps = 250
caller_incentive_bps = 5000
entry_window = "24h"
request_timeout = "1h"
recovery = "reopen"
fee_recipient = "treasury"

[policies.flash]
ticket_price = 10
capacity = 50
per_participant_cap = 5
fee_bps = 100
caller_incentive_bps = 10000
entry_window = "15m"
request_timeout = "5m"
recovery = "cancel"
fee_recipient = "treasury"
`

func TestParseMaterializesConfigs(t *testing.T) {
	t.Parallel()

	catalog, err := Parse(testCatalog)
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}

	cfg, err := catalog.Config("")
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.TicketPrice != 100 || cfg.Capacity != 1000 {
		t.Fatalf("default config = %+v, want standard policy", cfg)
	}
	if cfg.EntryWindow != 24*time.Hour {
		t.Fatalf("entry window = %v, want 24h", cfg.EntryWindow)
	}
	if cfg.Recovery != raffle.RecoveryPolicyReopen {
		t.Fatalf("recovery = %v, want reopen", cfg.Recovery)
	}

	flash, err := catalog.Config("flash")
	if err != nil {
		t.Fatalf("flash config: %v", err)
	}
	if flash.Recovery != raffle.RecoveryPolicyCancel {
		t.Fatalf("flash recovery = %v, want cancel", flash.Recovery)
	}
	if flash.PerParticipantCap != 5 {
		t.Fatalf("flash cap = %d, want 5", flash.PerParticipantCap)
	}
}

func TestParseRejectsUnknownDefault(t *testing.T) {
	t.Parallel()

	_, err := Parse(`
default = "missing"

[policies.standard]
ticket_price = 100
capacity = 10
fee_bps = 0
caller_incentive_bps = 0
entry_window = "1h"
request_timeout = "5m"
recovery = "reopen"
fee_recipient = "treasury"
`)
	if err == nil {
		t.Fatal("expected unknown default policy error")
	}
}

func TestParseRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()

	_, err := Parse(`
default = "broken"

[policies.broken]
ticket_price = 0
capacity = 10
fee_bps = 0
caller_incentive_bps = 0
entry_window = "1h"
request_timeout = "5m"
recovery = "reopen"
fee_recipient = "treasury"
`)
	if err == nil {
		t.Fatal("expected invalid policy error")
	}
}

func TestConfigRejectsUnknownName(t *testing.T) {
	t.Parallel()

	catalog, err := Parse(testCatalog)
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	if _, err := catalog.Config("missing"); err == nil {
		t.Fatal("expected unknown policy error")
	}
}

func TestLoadReadsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rounds.toml")
	if err := os.WriteFile(path, []byte(testCatalog), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	catalog, err := Load(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if catalog.Default != "standard" {
		t.Fatalf("default = %q, want standard", catalog.Default)
	}

	if _, err := Load(""); err == nil {
		t.Fatal("expected empty path error")
	}
}
