// Package pipeline runs a grounded legal research: it routes a question to a
// research depth, retrieves sources, keeps the content under a token budget,
// extracts source-attributed entities and claims, composes a cited answer and
// audits the citations against the raw sources.
package pipeline

import (
	"time"

	"legalresearch-backend/models"
)

// TierConfig is the retrieval and synthesis shape for one complexity tier.
type TierConfig struct {
	// Variations is the number of variation queries on top of the primary query.
	Variations          int
	WebResults          int
	InternalResults     int
	SupplementaryRounds int
	// GapQueries is the number of follow-up queries per supplementary round.
	GapQueries int
}

var tierConfigs = map[models.Tier]TierConfig{
	models.TierSimple:   {Variations: 0, WebResults: 3, InternalResults: 2},
	models.TierLight:    {Variations: 2, WebResults: 4, InternalResults: 3},
	models.TierMedium:   {Variations: 3, WebResults: 5, InternalResults: 4},
	models.TierDeep:     {Variations: 4, WebResults: 6, InternalResults: 5, SupplementaryRounds: 1, GapQueries: 2},
	models.TierWorkflow: {Variations: 5, WebResults: 8, InternalResults: 6, SupplementaryRounds: 2, GapQueries: 3},
}

// ConfigForTier returns the configuration of t, or the medium configuration
// for an unknown tier.
func ConfigForTier(t models.Tier) TierConfig {
	if c, ok := tierConfigs[t]; ok {
		return c
	}
	return tierConfigs[models.TierMedium]
}

// Config holds the tunable policy constants of a run.
type Config struct {
	TokenCeiling          int
	HistoryTurns          int
	RetrievalTimeout      time.Duration
	MinSourceContentChars int
	EnhancerMinChars      int
	EnhancerMaxChars      int
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		TokenCeiling:          50000,
		HistoryTurns:          3,
		RetrievalTimeout:      45 * time.Second,
		MinSourceContentChars: 40,
		EnhancerMinChars:      8,
		EnhancerMaxChars:      400,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TokenCeiling <= 0 {
		c.TokenCeiling = d.TokenCeiling
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = d.HistoryTurns
	}
	if c.RetrievalTimeout <= 0 {
		c.RetrievalTimeout = d.RetrievalTimeout
	}
	if c.MinSourceContentChars <= 0 {
		c.MinSourceContentChars = d.MinSourceContentChars
	}
	if c.EnhancerMinChars <= 0 {
		c.EnhancerMinChars = d.EnhancerMinChars
	}
	if c.EnhancerMaxChars <= 0 {
		c.EnhancerMaxChars = d.EnhancerMaxChars
	}
	return c
}
