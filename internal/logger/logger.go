// Package logger builds the zap loggers used across the module. Every caller
// owns the logger it constructs; there is no process-wide singleton, so two
// sessions or daemons in one process never share sink configuration.
package logger

import (
	"go.uber.org/zap"
)

type Config struct {
	Development bool
	// Name scopes the logger to one component (session, relayd, ...).
	Name string
}

// New builds a sugared logger for one component.
func New(cfg Config) (*zap.SugaredLogger, error) {
	var l *zap.Logger
	var err error
	if cfg.Development {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	if cfg.Name != "" {
		l = l.Named(cfg.Name)
	}
	return l.Sugar(), nil
}

// Nop returns a logger that discards everything; used by tests and as a
// default when callers pass nil.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
