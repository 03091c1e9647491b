// Package policy loads named round configurations from a TOML catalog so
// deployments can tune pricing, fees, timeouts, and the recovery fallback
// without code changes.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tombola-engine/tombola/internal/raffle"
)

// Duration wraps time.Duration for TOML decoding from strings like "24h".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// RoundPolicy is one named round configuration template.
type RoundPolicy struct {
	TicketPrice        uint64   `toml:"ticket_price"`
	Capacity           uint64   `toml:"capacity"`
	PerParticipantCap  uint64   `toml:"per_participant_cap"`
	FeeBps             uint64   `toml:"fee_bps"`
	CallerIncentiveBps uint64   `toml:"caller_incentive_bps"`
	EntryWindow        Duration `toml:"entry_window"`
	RequestTimeout     Duration `toml:"request_timeout"`
	Recovery           string   `toml:"recovery"`
	FeeRecipient       string   `toml:"fee_recipient"`
}

// Catalog holds the named policies of a deployment.
type Catalog struct {
	Default  string                 `toml:"default"`
	Policies map[string]RoundPolicy `toml:"policies"`
}

// Load reads and validates a policy catalog from a TOML file.
func Load(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Catalog{}, fmt.Errorf("policy path is required")
	}
	var catalog Catalog
	if _, err := toml.DecodeFile(path, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("decode policy file: %w", err)
	}
	if err := catalog.validate(); err != nil {
		return Catalog{}, err
	}
	return catalog, nil
}

// Parse decodes a policy catalog from TOML source.
func Parse(source string) (Catalog, error) {
	var catalog Catalog
	if _, err := toml.Decode(source, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := catalog.validate(); err != nil {
		return Catalog{}, err
	}
	return catalog, nil
}

func (c Catalog) validate() error {
	if len(c.Policies) == 0 {
		return fmt.Errorf("policy catalog has no policies")
	}
	if c.Default == "" {
		return fmt.Errorf("policy catalog has no default policy")
	}
	if _, ok := c.Policies[c.Default]; !ok {
		return fmt.Errorf("default policy %q is not defined", c.Default)
	}
	for name := range c.Policies {
		if _, err := c.Config(name); err != nil {
			return fmt.Errorf("policy %q: %w", name, err)
		}
	}
	return nil
}

// Config materializes a named policy into a round configuration. An empty
// name selects the catalog default.
func (c Catalog) Config(name string) (raffle.Config, error) {
	if strings.TrimSpace(name) == "" {
		name = c.Default
	}
	p, ok := c.Policies[name]
	if !ok {
		return raffle.Config{}, fmt.Errorf("unknown policy %q", name)
	}
	recovery, err := raffle.RecoveryPolicyFromString(p.Recovery)
	if err != nil {
		return raffle.Config{}, err
	}
	cfg := raffle.Config{
		TicketPrice:        p.TicketPrice,
		Capacity:           p.Capacity,
		PerParticipantCap:  p.PerParticipantCap,
		FeeBps:             p.FeeBps,
		CallerIncentiveBps: p.CallerIncentiveBps,
		EntryWindow:        time.Duration(p.EntryWindow),
		RequestTimeout:     time.Duration(p.RequestTimeout),
		Recovery:           recovery,
		FeeRecipient:       p.FeeRecipient,
	}
	if err := cfg.Validate(); err != nil {
		return raffle.Config{}, err
	}
	return cfg, nil
}
