package cmd

import (
	"github.com/nextlevelbuilder/ussdgate/internal/config"
	"github.com/nextlevelbuilder/ussdgate/internal/store"
	"github.com/nextlevelbuilder/ussdgate/internal/sweeper"
)

// setupSweeper returns nil when idle expiry is off (sessions.idle_ttl unset or 0).
func setupSweeper(cfg *config.Config, d config.Durations, sessionStore store.SessionStore) (*sweeper.Sweeper, error) {
	if d.IdleTTL <= 0 {
		return nil, nil
	}
	return sweeper.New(sessionStore, cfg.Sessions.SweepCron, d.IdleTTL)
}
