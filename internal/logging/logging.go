package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. prod gets JSON lines, everything else the text formatter.
func New(env, level string) (*logrus.Logger, error) {
	return newWithOutput(env, level, os.Stdout)
}

func newWithOutput(env, level string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(lvl)

	if env == "prod" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return log, nil
}

// Discard returns a logger that drops everything; handy for tests and tools.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
