// Package platform holds pre-built multi-action tools for known
// marketplaces, with OAuth and rate limit settings baked in.
package platform

import (
	"context"
	"time"

	"pulpo/errors"
	"pulpo/tools"
)

// OAuthSettings is the OAuth 2.0 endpoint set for a platform.
type OAuthSettings struct {
	AuthorizeURL string
	TokenURL     string
	Scopes       []string
	RedirectPath string
}

// Config is a pre-built platform description.
type Config struct {
	ID          string
	Name        string
	Description string
	Category    string
	BaseURL     string
	DefaultSite string
	RateLimit   int
	RateWindow  time.Duration
	OAuth       *OAuthSettings
}

var platforms = map[string]Config{
	"mercadolibre": {
		ID:          "mercadolibre",
		Name:        "Mercado Libre",
		Description: "Marketplace integration for publications and customer questions",
		Category:    "E-commerce",
		BaseURL:     "https://api.mercadolibre.com",
		DefaultSite: "MLA",
		RateLimit:   1500,
		RateWindow:  time.Minute,
		OAuth: &OAuthSettings{
			AuthorizeURL: "https://auth.mercadolibre.com.ar/authorization",
			TokenURL:     "https://api.mercadolibre.com/oauth/token",
			Scopes:       []string{"read", "write", "offline_access"},
			RedirectPath: "/oauth/callback/mercadolibre",
		},
	},
}

// Lookup returns the configuration for a platform id.
func Lookup(id string) (Config, error) {
	cfg, ok := platforms[id]
	if !ok {
		return Config{}, errors.Configuration("platform", "unknown platform %q", id)
	}
	return cfg, nil
}

// NewTool builds the multi-action tool for a platform integration.
// Wired into the tool factory by the engine.
func NewTool(ctx context.Context, def tools.Definition, integ *tools.Integration, creds CredentialService) (tools.Tool, error) {
	platformID := def.Platform
	if platformID == "" && integ != nil {
		platformID = integ.Platform
	}
	cfg, err := Lookup(platformID)
	if err != nil {
		return nil, err
	}
	if integ == nil {
		return nil, errors.Configuration("integration", "platform tool %q has no integration", def.Name)
	}
	switch cfg.ID {
	case "mercadolibre":
		return NewMercadoLibreTool(cfg, def, integ, creds), nil
	default:
		return nil, errors.Configuration("platform", "no tool implementation for platform %q", cfg.ID)
	}
}
