package battle

import (
	"time"

	"github.com/codebattle-sync/internal/config"
	"github.com/codebattle-sync/internal/domain"
)

// Config holds the timings and point values a coordinator runs with
type Config struct {
	HeartbeatInterval  time.Duration
	StalenessThreshold time.Duration
	FreezeDuration     time.Duration
	ChaosMinFragments  int
	ChaosMaxFragments  int
	Points             domain.PointTable
	OpTimeout          time.Duration
}

// DefaultConfig returns the standard battle rules
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  5 * time.Second,
		StalenessThreshold: 15 * time.Second,
		FreezeDuration:     10 * time.Second,
		ChaosMinFragments:  2,
		ChaosMaxFragments:  3,
		Points:             domain.DefaultPoints(),
		OpTimeout:          5 * time.Second,
	}
}

// NewConfig builds a Config from the battle section of the gateway configuration
func NewConfig(c config.BattleConfig) Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.StalenessThreshold = c.StalenessThreshold
	cfg.FreezeDuration = c.FreezeDuration
	cfg.ChaosMinFragments = c.ChaosMinFragments
	cfg.ChaosMaxFragments = c.ChaosMaxFragments
	if len(c.Points) > 0 {
		cfg.Points = make(domain.PointTable, len(c.Points))
		for d, p := range c.Points {
			cfg.Points[domain.Difficulty(d)] = p
		}
	}
	return cfg
}
