package logging

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup configures the process-wide logger. An empty level means info.
func Setup(level, format string) error {
	lvl := log.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		lvl = parsed
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("log format %q: want text or json", format)
	}
	return nil
}
