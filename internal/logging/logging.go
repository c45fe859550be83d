// Package logging constructs the agent's structured logger.
package logging

import "go.uber.org/zap"

// New builds a production zap logger, or a development logger with
// human-readable output when debug is true.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
