package config

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

// ParseLevel parses a log level name such as "debug" or "warn".
func ParseLevel(level string) (logging.LogLevel, error) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// SetupLogging configures every named logger from c.
func (c LogConfig) SetupLogging() error {
	lvl, err := ParseLevel(c.Level)
	if err != nil {
		return err
	}

	format := logging.ColorizedOutput
	switch c.Format {
	case "json":
		format = logging.JSONOutput
	case "plain", "text":
		format = logging.PlaintextOutput
	}

	logging.SetupLogging(logging.Config{
		Format: format,
		Level:  lvl,
		Stderr: true,
	})
	return nil
}
