package config

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger: JSON in production, coloured text
// otherwise. An unknown level falls back to info.
func NewLogger(env Env) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if env.Production() {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(env.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
		log.WithField("level", env.LogLevel).Warn("unknown log level, using info")
	}
	log.SetLevel(level)
	return log
}
