package sqlite

import (
	"fmt"
)

type Config struct {
	DatabasePath string
}

func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	return nil
}

func (c *Config) GetConnectionString() string {
	if c.DatabasePath == ":memory:" {
		return c.DatabasePath
	}
	// busy_timeout keeps a second process (CLI next to the daemon) from
	// failing immediately on a locked file.
	return "file:" + c.DatabasePath + "?_busy_timeout=5000&_journal_mode=WAL"
}

func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "./flora_session.db",
	}
}
