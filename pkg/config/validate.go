package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rhuss/drivercore/pkg/driver"
)

// Supported driver protocols.
const (
	ProtocolREST = "rest"
	ProtocolMCP  = "mcp"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}
	if c.Dispatch.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("dispatch.call_timeout must not be negative, got %s", c.Dispatch.CallTimeout))
	}

	switch c.Storage.Type {
	case "none", "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"none\", \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}
	if c.Storage.Type == "postgres" && c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
		errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
	case "jwt":
		hasSecret := c.Auth.JWT.Secret != "" || c.Auth.JWT.SecretFile != ""
		if hasSecret == (c.Auth.JWT.JWKSURL != "") {
			errs = append(errs, fmt.Errorf("auth.jwt.secret (or secret_file) and auth.jwt.jwks_url are mutually exclusive, one is required when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}
	for name, tier := range c.Auth.RateLimit.Tiers {
		if tier.RequestsPerMinute <= 0 {
			errs = append(errs, fmt.Errorf("auth.rate_limit.tiers.%s.requests_per_minute must be > 0", name))
		}
	}

	if !validLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of TRACE, DEBUG, INFO, WARN, ERROR, got %q", c.Logging.Level))
	}

	ids := make(map[string]int, len(c.Drivers))
	for i := range c.Drivers {
		d := &c.Drivers[i]
		field := fmt.Sprintf("drivers[%d]", i)
		if d.ID != "" {
			field = fmt.Sprintf("drivers[%d] (%s)", i, d.ID)
			if j, dup := ids[d.ID]; dup {
				errs = append(errs, fmt.Errorf("%s: id already declared by drivers[%d]", field, j))
			}
			ids[d.ID] = i
		}
		for _, err := range d.validate(c.Autostart) {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}

	return errors.Join(errs...)
}

func (d *DriverConfig) validate(as AutostartConfig) []error {
	var errs []error
	if err := d.Meta.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch d.Protocol {
	case ProtocolREST, ProtocolMCP, "":
	default:
		errs = append(errs, fmt.Errorf("protocol must be %q or %q, got %q", ProtocolREST, ProtocolMCP, d.Protocol))
	}
	if d.Protocol == ProtocolMCP && len(d.Routes) > 0 {
		errs = append(errs, errors.New("routes apply to rest drivers only"))
	}

	if d.Bridge.URL == "" && d.Deploy == nil {
		errs = append(errs, errors.New("bridge.url or deploy is required"))
	}
	if d.Bridge.URL != "" && d.Deploy != nil {
		errs = append(errs, errors.New("bridge.url and deploy are mutually exclusive"))
	}
	if d.Deploy != nil {
		switch {
		case !as.Enabled:
			errs = append(errs, errors.New("deploy requires autostart.enabled"))
		case d.Deploy.Kind == driver.DeployContainer && !as.Container.Enabled:
			errs = append(errs, errors.New("container deployments require autostart.container.enabled"))
		case d.Deploy.Kind == driver.DeploySandbox && !as.Kubernetes.Enabled:
			errs = append(errs, errors.New("sandbox deployments require autostart.kubernetes.enabled"))
		}
	}
	if o := d.Bridge.OAuth; o != nil && (o.TokenURL == "" || (o.ClientID == "" && o.ClientIDFile == "")) {
		errs = append(errs, errors.New("bridge.oauth requires token_url and client_id"))
	}

	sources := 0
	for _, set := range []bool{d.Spec.Inline != "", d.Spec.File != "", d.Spec.URL != "", d.Spec.MCP} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		errs = append(errs, fmt.Errorf("exactly one of spec.inline, spec.file, spec.url or spec.mcp is required, got %d", sources))
	}
	if d.Spec.MCP && d.Protocol != ProtocolMCP {
		errs = append(errs, errors.New("spec.mcp requires protocol \"mcp\""))
	}

	for flag := range d.Handlers {
		if !d.HasCapability(flag) {
			errs = append(errs, fmt.Errorf("handlers.%s: capability is not declared", flag))
		}
	}
	return errs
}

func validLevel(s string) bool {
	switch strings.ToUpper(s) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		return true
	}
	return false
}
