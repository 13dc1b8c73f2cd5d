package builder

import (
	"fmt"
	"log/slog"

	"github.com/rhuss/drivercore/pkg/auth"
	"github.com/rhuss/drivercore/pkg/auth/apikey"
	"github.com/rhuss/drivercore/pkg/auth/jwt"
	"github.com/rhuss/drivercore/pkg/auth/noop"
	"github.com/rhuss/drivercore/pkg/config"
)

// NewAuth builds the authenticator chain for the API server and, when
// rate limiting is enabled, its tier limiter. A nil limiter disables
// rate limiting.
func NewAuth(cfg config.AuthConfig) (*auth.Chain, auth.RateLimiter, error) {
	chain := &auth.Chain{DefaultDecision: auth.No}

	switch cfg.Type {
	case "", "none":
		chain.Authenticators = []auth.Authenticator{&noop.Authenticator{}}
	case "apikey":
		entries := make([]apikey.Entry, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			entries = append(entries, apikey.Entry{
				Key:      k.Key,
				Identity: auth.Identity{Subject: k.Subject, ServiceTier: k.ServiceTier},
			})
		}
		chain.Authenticators = []auth.Authenticator{apikey.New(entries)}
	case "jwt":
		a, err := jwt.New(jwt.Config{
			Issuer:    cfg.JWT.Issuer,
			Audience:  cfg.JWT.Audience,
			Secret:    []byte(cfg.JWT.Secret),
			JWKSURL:   cfg.JWT.JWKSURL,
			TierClaim: cfg.JWT.TierClaim,
		})
		if err != nil {
			return nil, nil, err
		}
		chain.Authenticators = []auth.Authenticator{a}
	default:
		return nil, nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}

	var limiter auth.RateLimiter
	if cfg.RateLimit.Enabled {
		tiers := make(map[string]auth.TierConfig, len(cfg.RateLimit.Tiers))
		for name, t := range cfg.RateLimit.Tiers {
			tiers[name] = auth.TierConfig{RequestsPerMinute: t.RequestsPerMinute, Burst: t.Burst}
		}
		limiter = auth.NewTierLimiter(tiers)
	}

	slog.Info("API authentication configured", "type", cfg.Type, "rate_limit", cfg.RateLimit.Enabled)
	return chain, limiter, nil
}
