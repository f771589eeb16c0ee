package cmd

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/ussdgate/internal/apps"
	"github.com/nextlevelbuilder/ussdgate/internal/config"
)

// buildRegistry registers every configured USSD application in config order.
// All adapters share one HTTP client; each call is bounded by its own timeout.
func buildRegistry(cfg *config.Config, d config.Durations) (*apps.Registry, error) {
	client := &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	registry := apps.NewRegistry()

	for _, ac := range cfg.Apps {
		app, err := apps.NewUSSDApp(apps.USSDConfig{
			Key:             ac.Key,
			Trigger:         ac.Trigger,
			Index:           ac.Index,
			Title:           ac.Title,
			Endpoint:        ac.URL,
			Timeout:         d.AppTimeouts[ac.Key],
			RateLimit:       ac.RateLimitRPS,
			Burst:           ac.Burst,
			MSISDNOverrides: ac.MSISDNOverrides,
		}, client)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(app); err != nil {
			return nil, fmt.Errorf("register app %s: %w", ac.Key, err)
		}
		slog.Info("registered application", "key", app.Key(), "index", app.Index(), "trigger", app.Trigger(), "url", ac.URL)
	}
	return registry, nil
}
