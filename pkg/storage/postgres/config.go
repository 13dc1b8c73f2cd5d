package postgres

import "time"

// Config configures the artifact store.
type Config struct {
	DSN string

	// Pool sizing. Zero values select 10 max, 1 min and a 5 minute lifetime.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration

	// MaxAge hides artifacts not refreshed within the window so they are
	// fetched again from the driver's source. Zero keeps artifacts forever.
	MaxAge time.Duration

	// MigrateOnStart applies the embedded schema migrations in New.
	MigrateOnStart bool
}

func (c *Config) applyDefaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 5 * time.Minute
	}
}
