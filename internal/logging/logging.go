// Package logging configures the logrus standard logger.
package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/yourname/matchmaker-engine/internal/config"
)

// ConfigureLogging sets up the logrus standard logger from the logging section:
//   - log line format (text [default] or json)
//   - min log level to include (trace, debug, info [default], warn, error)
//   - include the calling function for every event (false [default], true)
func ConfigureLogging(cfg config.LoggingConfig) {
	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		fallthrough
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch cfg.Level {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
		logrus.Warn("Trace logging level configured. Not recommended for production!")
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
		logrus.Warn("Debug logging level configured. Not recommended for production!")
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "info":
		fallthrough
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.SetReportCaller(cfg.Source)
}
