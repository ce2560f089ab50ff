package engine

import "time"

type Config struct {
	// Enabled toggles the auto-approval paths (cache hits and
	// conditional rules). When false every request escalates; risk
	// bands and the fallback still apply.
	Enabled bool

	// MaxTiers bounds re-escalation; past the last tier a timeout
	// resolves DENIED instead of escalating further.
	MaxTiers int

	// HoldTimeout is the reviewer deadline per escalation task.
	HoldTimeout time.Duration

	// HeldLimit caps concurrent held interactions per session.
	HeldLimit int

	// Tiers are the ordered reviewer targets, first-line first. When
	// escalation outruns the list the last target is reused.
	Tiers []string

	// RulesPath points at the YAML conditional-approval policy file.
	RulesPath string

	Audit AuditConfig
}

type AuditConfig struct {
	JSONLPath      string
	RotateMaxBytes int64
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		MaxTiers:    2,
		HoldTimeout: 5 * time.Minute,
		HeldLimit:   3,
		Tiers:       []string{"first-line", "lead"},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxTiers <= 0 {
		c.MaxTiers = def.MaxTiers
	}
	if c.HoldTimeout <= 0 {
		c.HoldTimeout = def.HoldTimeout
	}
	if c.HeldLimit <= 0 {
		c.HeldLimit = def.HeldLimit
	}
	if len(c.Tiers) == 0 {
		c.Tiers = def.Tiers
	}
	return c
}

// Target returns the reviewer target for a 1-based tier.
func (c Config) Target(tier int) string {
	if len(c.Tiers) == 0 {
		return ""
	}
	if tier < 1 {
		tier = 1
	}
	if tier > len(c.Tiers) {
		tier = len(c.Tiers)
	}
	return c.Tiers[tier-1]
}
