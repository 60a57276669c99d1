// Package logx configures the process-wide logging backend. Packages obtain
// their own loggers with logging.MustGetLogger.
package logx

import (
	"fmt"
	"io"

	logging "github.com/op/go-logging"
)

var format = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.4s} %{module:-11s} %{message}`,
)

// Setup installs a leveled, formatted backend writing to w. Level names follow
// go-logging ("DEBUG", "INFO", "WARNING", ...).
func Setup(level string, w io.Writer) error {
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	backend := logging.NewBackendFormatter(logging.NewLogBackend(w, "", 0), format)
	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return nil
}
