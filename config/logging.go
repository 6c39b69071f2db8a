package config

import (
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
)

// SetupLogging applies level to every named logger. Gin request lines go to
// the "server" logger, so debug shows each request.
func SetupLogging(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return errors.Wrapf(err, "invalid LOG_LEVEL %q", level)
	}
	logging.SetAllLoggers(lvl)
	return nil
}
